package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ClientConfig parameterises a portal Client.
type ClientConfig struct {
	// URL is the WSS URL of the portal's client channel.
	URL string

	// Token authenticates the device; sent as a bearer token on every
	// dial.
	Token string

	// PublicKey is the device's Noise static public key (base64),
	// advertised in the connect query so the portal can hand it to
	// gateways.
	PublicKey string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MessageBufferSize is the capacity of the inbound channel,
	// defaulting to 64.
	MessageBufferSize int

	// DialTimeout bounds each dial attempt, defaulting to 10 s.
	DialTimeout time.Duration

	// Reconnect enables automatic reconnection with exponential
	// backoff.
	Reconnect bool
}

// Client is the reconnecting WebSocket transport to the portal.
type Client struct {
	cfg   ClientConfig
	log   *slog.Logger
	msgCh chan Message

	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a portal client; Connect starts it.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Client{
		cfg:   cfg,
		log:   log.With("component", "portal"),
		msgCh: make(chan Message, bufSize),
		done:  make(chan struct{}),
	}
}

// Messages delivers inbound portal messages. The channel closes when the
// client shuts down.
func (c *Client) Messages() <-chan Message {
	return c.msgCh
}

// Connect dials the portal and starts the receive loop. It blocks until
// the initial connection is up so callers learn about unreachable portals
// immediately; reconnection afterwards happens in the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		close(c.done)
		return fmt.Errorf("connecting to portal: %w", err)
	}
	c.log.Info("connected to portal", "url", c.cfg.URL)

	go c.receiveLoop(ctx)
	return nil
}

// Send transmits one message to the portal.
func (c *Client) Send(ctx context.Context, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s: %w", msg.MessageType(), err)
	}
	return nil
}

// Close shuts the client down and waits for the receive loop to exit.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	timeout := c.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.Token},
		},
	}
	url := c.cfg.URL
	if c.cfg.PublicKey != "" {
		url += "?public_key=" + c.cfg.PublicKey
	}

	conn, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer c.closeConn()

	attempt := 0
	for {
		err := c.readMessages(ctx)
		if ctx.Err() != nil {
			return
		}
		if !c.cfg.Reconnect {
			c.log.Error("portal connection lost", "error", err)
			return
		}

		// Exponential backoff, capped at 30 s.
		delay := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(attempt)), float64(30*time.Second)))
		attempt++
		c.log.Info("portal connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnect failed", "error", err)
			continue
		}
		attempt = 0
		c.log.Info("reconnected to portal")
	}
}

func (c *Client) readMessages(ctx context.Context) error {
	for {
		_, data, err := c.readOne(ctx)
		if err != nil {
			return err
		}
		msg, err := Unmarshal(data)
		if err != nil {
			c.log.Warn("discarding malformed portal message", "error", err)
			continue
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readOne(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, nil, errors.New("not connected")
	}
	return conn.Read(ctx)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
}
