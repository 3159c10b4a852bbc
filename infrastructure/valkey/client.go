package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const connectTimeout = 5 * time.Second

// Config holds the connection settings for a Valkey client.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Client wraps the valkey-go client with key prefixing. Created once at boot
// and passed as a dependency; the caller owns Close.
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewClient connects and pings before returning, so a bad address fails at
// boot instead of on first use.
func NewClient(cfg Config) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Client{inner: inner, keyPrefix: prefix}, nil
}

// Inner returns the underlying valkey-go client.
func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key builds a prefixed key, e.g. Key("validation", "conn1") ->
// "unibox:validation:conn1".
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.keyPrefix, ":")
	}
	return c.keyPrefix + strings.Join(parts, ":")
}

// Ping checks connection health.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// IsNil reports whether an error is a Valkey NIL response.
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}
