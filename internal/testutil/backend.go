package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/h2-dashboard/backend/internal/protocol"
)

// Backend is an in-process telemetry backend speaking the websocket
// envelope protocol. It records every command it receives.
type Backend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	connects int
	received []protocol.Message
	reject   int
	stall    chan struct{}
	writeMu  sync.Mutex

	// AutoSync answers every requestPumpStatus with this payload when set.
	AutoSync *protocol.PumpStatusSync
}

// NewBackend starts a backend that is shut down with the test.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(func() {
		b.mu.Lock()
		if b.stall != nil {
			close(b.stall)
			b.stall = nil
		}
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		b.srv.Close()
	})
	return b
}

// URL is the ws:// address of the backend.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

// Reject makes subsequent handshakes fail with status. Zero accepts again.
func (b *Backend) Reject(status int) {
	b.mu.Lock()
	b.reject = status
	b.mu.Unlock()
}

// Stall makes subsequent handshakes hang until the test ends.
func (b *Backend) Stall() {
	b.mu.Lock()
	if b.stall == nil {
		b.stall = make(chan struct{})
	}
	b.mu.Unlock()
}

// Connects is the number of accepted connections so far.
func (b *Backend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Connected reports whether a client is currently attached.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Received returns the commands received with the given type, in order.
func (b *Backend) Received(name string) []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []protocol.Message
	for _, m := range b.received {
		if m.Type == name {
			out = append(out, m)
		}
	}
	return out
}

// Push sends ev to the attached client.
func (b *Backend) Push(ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev, time.Now())
	if err != nil {
		return err
	}
	return b.PushRaw(data)
}

// PushRaw sends an arbitrary text frame to the attached client.
func (b *Backend) PushRaw(data []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the attached client with a normal close frame, the way
// a backend restart does.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return
	}

	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "restart"),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	conn.Close()
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject, stall := b.reject, b.stall
	b.mu.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-r.Context().Done():
		}
		return
	}
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.connects++
	b.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.mu.Unlock()
			return
		}

		var msg protocol.Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, msg)
		reply := b.AutoSync
		b.mu.Unlock()

		if msg.Type == protocol.CommandRequestPumpStatus && reply != nil {
			_ = b.Push(*reply)
		}
	}
}
