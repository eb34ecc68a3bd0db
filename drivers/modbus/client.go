package modbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/goburrow/modbus"
)

// Client defines the subset of Modbus operations used by the adapter.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// Endpoint addresses one Modbus TCP slave.
type Endpoint struct {
	Host    string
	Port    int
	SlaveID byte
	Timeout time.Duration
}

// Address renders host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ClientFactory creates connected clients.
type ClientFactory func(ctx context.Context, endpoint Endpoint) (Client, error)

type tcpClient struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(ctx context.Context, endpoint Endpoint) (Client, error) {
		if endpoint.Host == "" {
			return nil, fmt.Errorf("modbus host is required")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		handler := modbus.NewTCPClientHandler(endpoint.Address())
		handler.SlaveId = endpoint.SlaveID
		handler.Timeout = endpoint.Timeout
		if handler.Timeout <= 0 {
			handler.Timeout = 5 * time.Second
		}
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect %s: %w", endpoint.Address(), err)
		}
		return &tcpClient{Client: modbus.NewClient(handler), handler: handler}, nil
	}
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
