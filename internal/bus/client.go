// Package bus wraps the NATS connection shared by all three processes. It
// carries the two IPC shapes the system needs: bounded request/reply and
// fire-and-forget publish.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// Client wraps a NATS connection with JSON helpers and failure mapping.
type Client struct {
	conn       *nats.Conn
	log        *slog.Logger
	reqTimeout time.Duration
}

// Connect dials the bus. name identifies the calling process in server-side
// connection listings.
func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to bus", slog.String("servers", url), slog.String("client", name))

	return &Client{
		conn:       conn,
		log:        log,
		reqTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing bus connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Request sends req as JSON and decodes the reply into reply. A peer that
// is not running fails immediately with protocol.ErrNotConnected; a peer
// that does not answer within the context deadline (or the configured
// default timeout when the context has none) fails with protocol.ErrTimeout.
func (c *Client) Request(ctx context.Context, subject string, req, reply any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", subject, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, MapError(err))
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return nil
}

// Publish sends v as JSON with no delivery guarantee. Disconnected
// subscribers simply miss it.
func (c *Client) Publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode publish for %s: %w", subject, err)
	}
	return c.conn.Publish(subject, payload)
}

// Respond marshals v and answers an inbound request, logging instead of
// failing when the requester already gave up.
func (c *Client) Respond(msg *nats.Msg, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode reply failed", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		c.log.Warn("reply not delivered", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

// MapError normalizes transport failures onto the protocol sentinels. No
// responders means the peer process is down; callers treat that as an
// immediate connectivity failure instead of burning the full timeout.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %v", protocol.ErrNotConnected, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	return err
}
