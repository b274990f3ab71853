package wa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/IsaacDeMelo/botwpp/internal/observability"
)

// Status is the gateway connection lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosed     Status = "closed"
	StatusLoggedOut  Status = "logged_out"
)

var (
	ErrNotConnected = errors.New("gateway is not connected")
	ErrAckTimeout   = errors.New("timed out waiting for send ack")
)

// MessageHandler receives batches of raw inbound message envelopes.
type MessageHandler func(ctx context.Context, messages [][]byte)

type frame struct {
	Type     string            `json:"type"`
	Tag      string            `json:"tag,omitempty"`
	JID      string            `json:"jid,omitempty"`
	Content  map[string]any    `json:"content,omitempty"`
	Options  map[string]any    `json:"options,omitempty"`
	Messages []json.RawMessage `json:"messages,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status,omitempty"`
	QR        string `json:"qr,omitempty"`
	Error     string `json:"error,omitempty"`
}

type sendAck struct {
	messageID string
	err       error
}

// Client speaks the gateway's websocket protocol: tagged send frames that
// the gateway acknowledges, plus server-pushed status, QR and inbound
// message frames.
type Client struct {
	url     string
	ackWait time.Duration
	metrics *observability.Metrics
	handler MessageHandler

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	status  Status
	qr      string
	pending map[string]chan sendAck
	readCtx context.CancelFunc
}

func NewClient(url string, ackWait time.Duration, metrics *observability.Metrics) *Client {
	if ackWait <= 0 {
		ackWait = 10 * time.Second
	}
	return &Client{
		url:     url,
		ackWait: ackWait,
		metrics: metrics,
		status:  StatusIdle,
		pending: make(map[string]chan sendAck),
	}
}

// OnMessages registers the inbound batch handler. Must be called before
// Start.
func (c *Client) OnMessages(handler MessageHandler) { c.handler = handler }

// Start dials the gateway and launches the read loop. Calling Start while
// connected is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()
	c.countEvent("connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setStatus(StatusClosed)
		return fmt.Errorf("dial gateway: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.readCtx = cancel
	c.mu.Unlock()
	c.countEvent("connected")

	go c.readLoop(readCtx, conn)
	return nil
}

// Stop closes the gateway connection and fails all in-flight sends.
func (c *Client) Stop() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.readCtx
	c.conn = nil
	c.readCtx = nil
	c.status = StatusClosed
	pending := c.pending
	c.pending = make(map[string]chan sendAck)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- sendAck{err: ErrNotConnected}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	c.countEvent("stopped")
	return nil
}

// Restart stops and re-dials.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start(ctx)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// QR returns the latest pairing QR payload pushed by the gateway, empty
// once paired.
func (c *Client) QR() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr
}

// Send delivers one outbound message and waits for the gateway ack carrying
// the assigned message id.
func (c *Client) Send(ctx context.Context, jid string, content map[string]any, options map[string]any) (string, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	tag := uuid.NewString()
	ack := make(chan sendAck, 1)
	c.pending[tag] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
	}()

	out := frame{Type: "send", Tag: tag, JID: jid, Content: content, Options: options}
	c.writeMu.Lock()
	err := conn.WriteJSON(out)
	c.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("write send frame: %w", err)
	}

	select {
	case res := <-ack:
		if res.err != nil {
			return "", res.err
		}
		return res.messageID, nil
	case <-time.After(c.ackWait):
		return "", ErrAckTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			if ctx.Err() == nil {
				log.Printf("gateway: read loop ended: %v", err)
				c.setStatus(StatusClosed)
				c.countEvent("disconnected")
			}
			return
		}

		switch in.Type {
		case "ack":
			c.mu.Lock()
			ch, ok := c.pending[in.Tag]
			delete(c.pending, in.Tag)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if in.Error != "" {
				ch <- sendAck{err: errors.New(in.Error)}
			} else {
				ch <- sendAck{messageID: in.MessageID}
			}
		case "qr":
			c.mu.Lock()
			c.qr = in.QR
			c.mu.Unlock()
			c.countEvent("qr")
		case "status":
			status := Status(in.Status)
			switch status {
			case StatusIdle, StatusConnecting, StatusConnected, StatusClosed, StatusLoggedOut:
				c.setStatus(status)
				if status == StatusConnected {
					c.mu.Lock()
					c.qr = ""
					c.mu.Unlock()
				}
				c.countEvent(string(status))
			default:
				log.Printf("gateway: unknown status %q", in.Status)
			}
		case "messages.upsert":
			if c.handler == nil {
				continue
			}
			batch := make([][]byte, 0, len(in.Messages))
			for _, m := range in.Messages {
				batch = append(batch, []byte(m))
			}
			c.handler(ctx, batch)
		default:
			log.Printf("gateway: unknown frame type %q", in.Type)
		}
	}
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Client) countEvent(event string) {
	if c.metrics != nil {
		c.metrics.GatewayEvents.WithLabelValues(event).Inc()
	}
}
