package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
)

// ClientConfig holds tunable parameters for a Client.
type ClientConfig struct {
	URL string

	// HeartbeatTimeout is the maximum silence, pings included, before the
	// client considers the connection dead and reconnects.
	HeartbeatTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	Headers http.Header
}

// DefaultClientConfig returns defaults matched to the server's ping interval.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		HeartbeatTimeout: 3 * pingInterval,
		BackoffInitial:   100 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// Client follows a feed, reconnecting with exponential backoff, and decodes
// every message into an adapter.Event.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	connected  atomic.Bool
	reconnects atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn

	events chan adapter.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient returns an unconnected client; see Connect.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		log:    logger.Named("feed-client"),
		events: make(chan adapter.Event, 512),
		done:   make(chan struct{}),
	}
}

// Events delivers decoded events. It is closed once the client has shut down.
func (c *Client) Events() <-chan adapter.Event { return c.events }

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// Reconnects counts successful reconnections.
func (c *Client) Reconnects() int64 { return c.reconnects.Load() }

// Done is closed when the client has fully shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the feed and starts the read loop. It returns the error of
// the initial dial; later failures are retried until ctx ends or Close.
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.dial(ctx); err != nil {
		c.cancel()
		return err
	}
	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

// Close stops the client and closes the connection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		return err
	}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// newBackOff builds the reconnect schedule from the client config.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.BackoffInitial > 0 {
		b.InitialInterval = c.cfg.BackoffInitial
	}
	if c.cfg.BackoffMax > 0 {
		b.MaxInterval = c.cfg.BackoffMax
	}
	if c.cfg.BackoffFactor > 1 {
		b.Multiplier = c.cfg.BackoffFactor
	}
	b.Reset()
	return b
}

// reconnect loops with exponential backoff until a connection is
// re-established or ctx is cancelled.
func (c *Client) reconnect(ctx context.Context) bool {
	c.connected.Store(false)

	b := c.newBackOff()
	for {
		delay := b.NextBackOff()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnect failed", zap.Error(err), zap.Duration("waited", delay))
			continue
		}

		c.connected.Store(true)
		c.reconnects.Add(1)
		c.log.Info("reconnected", zap.String("url", c.cfg.URL))
		return true
	}
}

// readLoop decodes messages and doubles as the heartbeat monitor.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.connected.Store(false)
		close(c.events)
		close(c.done)
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("read error, reconnecting", zap.Error(err))
			conn.Close()
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		var ev adapter.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.log.Warn("undecodable event", zap.Error(err), zap.Int("bytes", len(msg)))
			continue
		}
		select {
		case c.events <- ev:
		default:
			// Slow consumer; every event is a full snapshot so the next one repairs it.
		}
	}
}
