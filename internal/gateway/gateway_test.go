package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhelsing/obscura/internal/wire"
)

// testServer accepts one websocket connection, pushes the given envelopes,
// and records acks.
type testServer struct {
	srv   *httptest.Server
	acks  chan string
	token chan string
	push  chan *wire.Envelope
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		acks:  make(chan string, 16),
		token: make(chan string, 1),
		push:  make(chan *wire.Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case ts.token <- r.URL.Query().Get("token"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for env := range ts.push {
				frame := &wire.WebSocketFrame{Envelope: env}
				if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.UnmarshalWebSocketFrame(data)
			if err != nil || frame.Ack == nil {
				continue
			}
			ts.acks <- frame.Ack.MessageID
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func envelope(id string) *wire.Envelope {
	return &wire.Envelope{
		ID:             id,
		SourceUserID:   "peer",
		SourceDeviceID: 1,
		Message:        &wire.EncryptedMessage{Type: wire.MessageTypeEncrypted, Content: []byte{1}},
	}
}

func TestDeliveryAndAck(t *testing.T) {
	ts := newTestServer(t)

	received := make(chan string, 16)
	g := New(ts.wsURL(), func() string { return "tok-123" })
	g.SetHandler(func(_ context.Context, env *wire.Envelope) Ack {
		received <- env.ID
		return AckProcessed
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	ts.push <- envelope("e1")

	select {
	case id := <-received:
		assert.Equal(t, "e1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}

	select {
	case id := <-ts.acks:
		assert.Equal(t, "e1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("ack not received")
	}

	select {
	case tok := <-ts.token:
		assert.Equal(t, "tok-123", tok)
	default:
		t.Fatal("token not sent")
	}
}

func TestDeferredEnvelopeNotAcked(t *testing.T) {
	ts := newTestServer(t)

	received := make(chan string, 16)
	g := New(ts.wsURL(), func() string { return "t" })
	g.SetHandler(func(_ context.Context, env *wire.Envelope) Ack {
		received <- env.ID
		return AckNone
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	ts.push <- envelope("e-defer")

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}

	select {
	case id := <-ts.acks:
		t.Fatalf("deferred envelope was acked: %s", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHandlerReplacement(t *testing.T) {
	ts := newTestServer(t)

	first := make(chan string, 16)
	second := make(chan string, 16)

	g := New(ts.wsURL(), func() string { return "t" })
	g.SetHandler(func(_ context.Context, env *wire.Envelope) Ack {
		first <- env.ID
		return AckProcessed
	})
	// Re-registration replaces, never accumulates.
	g.SetHandler(func(_ context.Context, env *wire.Envelope) Ack {
		second <- env.ID
		return AckProcessed
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	ts.push <- envelope("e2")

	select {
	case id := <-second:
		assert.Equal(t, "e2", id)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}
	select {
	case <-first:
		t.Fatal("replaced handler still invoked")
	default:
	}
}

func TestCloseStopsRun(t *testing.T) {
	ts := newTestServer(t)

	g := New(ts.wsURL(), func() string { return "t" })
	g.SetHandler(func(_ context.Context, _ *wire.Envelope) Ack { return AckProcessed })

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	g.Close()

	select {
	case err := <-done:
		require.Error(t, err) // context.Canceled
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
