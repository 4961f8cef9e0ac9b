// Package gateway maintains the persistent framed channel to the server:
// connect, reconnect with backoff, envelope delivery, and acks.
package gateway

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/wire"
)

const (
	// Time allowed to write a message to the server
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from the server
	maxMessageSize = 10 * 1024 * 1024
)

// Ack is the handler's processing verdict for one envelope.
type Ack int

const (
	// AckNone defers the envelope: no ack is sent and the server will
	// redeliver it later.
	AckNone Ack = iota

	// AckProcessed acknowledges the envelope after successful processing.
	AckProcessed
)

// EnvelopeHandler processes one inbound envelope. Handlers run on the read
// loop, so envelopes are delivered in server order.
type EnvelopeHandler func(ctx context.Context, env *wire.Envelope) Ack

// Gateway is the client side of the framed duplex channel. Delivery is
// at-least-once; the handler decides when to ack.
type Gateway struct {
	url     string
	tokenFn func() string
	dialer  *websocket.Dialer
	logger  *log.Logger

	mu      sync.Mutex
	handler EnvelopeHandler
	send    chan []byte
	closed  bool
	cancel  context.CancelFunc
}

// New creates a gateway for the given websocket URL. tokenFn supplies the
// bearer token at each (re)connect.
func New(url string, tokenFn func() string) *Gateway {
	return &Gateway{
		url:     url,
		tokenFn: tokenFn,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:  log.New(os.Stdout, "[GATEWAY] ", log.Ldate|log.Ltime|log.LUTC),
		send:    make(chan []byte, 100),
	}
}

// SetHandler installs the envelope handler, replacing any previous one.
// Replacement rather than accumulation prevents listener leaks across
// reconnect cycles.
func (g *Gateway) SetHandler(h EnvelopeHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Ack enqueues an acknowledgement for a processed envelope.
func (g *Gateway) Ack(messageID string) {
	frame := &wire.WebSocketFrame{Ack: &wire.AckMessage{MessageID: messageID}}
	select {
	case g.send <- frame.Marshal():
	default:
		g.logger.Printf("Warning: ack buffer full, dropping ack for %s", messageID)
	}
}

// Run connects and processes frames until ctx is cancelled or Close is
// called. Disconnects trigger reconnection with exponential backoff and
// jitter; after reconnect the server pushes all undelivered envelopes.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0), // retry forever
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.runOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Printf("Connection lost: %v", err)
		}
		if g.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		wait := policy.NextBackOff()
		g.logger.Printf("Reconnecting in %v", wait.Round(time.Millisecond))
		metrics.GatewayReconnects.Inc()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce dials once and pumps frames until the connection drops.
func (g *Gateway) runOnce(ctx context.Context) error {
	url := g.url + "?token=" + g.tokenFn()
	conn, _, err := g.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	g.logger.Printf("Connected to gateway")
	metrics.GatewayConnects.Inc()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeDone := make(chan error, 1)
	writeCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go func() { writeDone <- g.writePump(writeCtx, conn) }()

	readDone := make(chan error, 1)
	go func() { readDone <- g.readLoop(ctx, conn) }()

	select {
	case err := <-readDone:
		return err
	case err := <-writeDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Printf("Unexpected close: %v", err)
			}
			return err
		}

		frame, err := wire.UnmarshalWebSocketFrame(data)
		if err != nil {
			g.logger.Printf("Failed to parse frame: %v", err)
			continue
		}

		if frame.Envelope != nil {
			g.dispatch(ctx, frame.Envelope)
		}
	}
}

// dispatch runs the handler and acks only after successful processing.
func (g *Gateway) dispatch(ctx context.Context, env *wire.Envelope) {
	g.mu.Lock()
	handler := g.handler
	g.mu.Unlock()

	if handler == nil {
		g.logger.Printf("Warning: no handler registered, deferring envelope %s", env.ID)
		return
	}

	if handler(ctx, env) == AckProcessed {
		g.Ack(env.ID)
	}
}

func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-g.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the gateway permanently.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
