package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/svarah/svarah-core/internal/config"
)

// Client wraps the NATS connection and JetStream handle with minimal helpers.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *slog.Logger

	mu          sync.Mutex
	onReconnect []func()
}

// Connect dials the configured servers. Extra servers (such as the embedded
// server's URL) are tried first.
func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger, extraServers ...string) (*Client, error) {
	servers := append(append([]string{}, extraServers...), cfg.Servers...)
	if len(servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	c := &Client{log: log.With(slog.String("component", "bus"))}
	options := []nats.Option{
		nats.Name("svarah-core"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("disconnected from NATS", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("reconnected to NATS", slog.String("server", nc.ConnectedUrl()))
			c.fireReconnect()
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream handle: %w", err)
	}
	c.conn = conn
	c.js = js

	c.log.Info("connected to NATS", slog.String("servers", url))
	return c, nil
}

// OnReconnect registers fn to run every time the connection is re-established.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *Client) fireReconnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
