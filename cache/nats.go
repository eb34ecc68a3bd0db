package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// kvBucket is the subset of a JetStream key/value bucket the cache uses.
type kvBucket interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, value []byte) error
	delete(ctx context.Context, key string) error
}

type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (b jsBucket) put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b jsBucket) delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// envelope carries the entry expiry; the bucket TTL only bounds the
// longest-lived entry.
type envelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// NATSOptions configures the JetStream backend.
type NATSOptions struct {
	URL    string
	Bucket string
	// MaxTTL is the bucket-level age limit. Entries with a longer ttl are
	// still evicted at MaxTTL.
	MaxTTL  time.Duration
	Timeout time.Duration
}

// NATS stores entries in a JetStream key/value bucket so several gateway
// instances and readers share the realtime view.
type NATS struct {
	conn    *nats.Conn
	bucket  kvBucket
	timeout time.Duration
	now     func() time.Time
}

// NewNATS connects to the server and opens, or creates, the bucket.
func NewNATS(ctx context.Context, opts NATSOptions) (*NATS, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(opts.URL, nats.Name("dc3-gateway"), nats.Timeout(opts.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := openBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "dc3 realtime point values",
		TTL:         opts.MaxTTL,
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	n := newNATS(jsBucket{kv: kv}, opts.Timeout)
	n.conn = conn
	return n, nil
}

func newNATS(bucket kvBucket, timeout time.Duration) *NATS {
	return &NATS{bucket: bucket, timeout: timeout, now: time.Now}
}

func openBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return kv, nil
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

func (n *NATS) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.timeout > 0 {
		return context.WithTimeout(ctx, n.timeout)
	}
	return ctx, func() {}
}

// Set stores value. A non-positive ttl falls back to the bucket limit.
func (n *NATS) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = n.now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	if err := n.bucket.put(ctx, natsKey(key), raw); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Get returns the stored value, ErrNotFound or ErrExpired.
func (n *NATS) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	raw, err := n.bucket.get(ctx, natsKey(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if env.ExpiresAt > 0 && n.now().UnixMilli() >= env.ExpiresAt {
		return nil, ErrExpired
	}
	return env.Value, nil
}

// Delete removes key.
func (n *NATS) Delete(ctx context.Context, key string) error {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	if err := n.bucket.delete(ctx, natsKey(key)); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// natsKey maps a cache key onto the bucket key alphabet [-/_=.A-Za-z0-9].
// The point wildcard '*' becomes '='.
func natsKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '*':
			return '='
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '/', r == '_', r == '=', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
