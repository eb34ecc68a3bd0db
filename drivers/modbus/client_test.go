package modbus

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func listenerEndpoint(t *testing.T, ln net.Listener) Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return Endpoint{Host: host, Port: port}
}

func TestNewTCPClientFactoryRequiresHost(t *testing.T) {
	factory := NewTCPClientFactory()
	if _, err := factory(context.Background(), Endpoint{}); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestNewTCPClientFactoryConnectsAndConfigures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	connected := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(connected)
		conn.Close()
	}()

	endpoint := listenerEndpoint(t, ln)
	endpoint.SlaveID = 17
	client, err := NewTCPClientFactory()(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be established")
	}

	tcp, ok := client.(*tcpClient)
	if !ok {
		t.Fatalf("expected *tcpClient, got %T", client)
	}
	if tcp.handler.SlaveId != endpoint.SlaveID {
		t.Fatalf("unexpected slave id: got %d want %d", tcp.handler.SlaveId, endpoint.SlaveID)
	}
	if tcp.handler.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout: got %s want %s", tcp.handler.Timeout, 5*time.Second)
	}
}

func TestNewTCPClientFactoryConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	endpoint := listenerEndpoint(t, ln)
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	endpoint.Timeout = time.Second

	if _, err := NewTCPClientFactory()(context.Background(), endpoint); err == nil {
		t.Fatal("expected connection error")
	}
}
