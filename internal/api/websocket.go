package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// WebSocket message types for the dashboard push channel
const (
	// Client -> Server messages
	MsgTypePing        = "ping"
	MsgTypePumpControl = "pumpControl"

	// Server -> Client messages
	MsgTypeConnected  = "connected"
	MsgTypePong       = "pong"
	MsgTypeSnapshot   = "snapshot"
	MsgTypePumpStatus = "pumpStatus"
	MsgTypeAlert      = "alert"
	MsgTypeAck        = "ack"
	MsgTypeError      = "error"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 64
	wsCommandTimeout = 10 * time.Second
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PumpControlPayload is the payload of a browser pumpControl message.
type PumpControlPayload struct {
	Pump      models.PumpUnit  `json:"pump"`
	IsOn      bool             `json:"isOn"`
	Direction models.Direction `json:"direction,omitempty"`
	RPM       int              `json:"rpm"`
}

// WebSocket error response
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub pushes telemetry, pump state and alerts to every connected browser.
type Hub struct {
	upgrader  websocket.Upgrader
	telemetry Telemetry
	pumps     PumpController
	log       *logrus.Entry
	now       func() time.Time

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub and subscribes it to telemetry and pump updates.
func NewHub(tel Telemetry, pumps PumpController, log *logrus.Entry) *Hub {
	if log == nil {
		log = logging.Component(nil, "ws")
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Origins are enforced by the CORS middleware
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		telemetry: tel,
		pumps:     pumps,
		log:       log,
		now:       time.Now,
		clients:   make(map[*wsClient]struct{}),
	}
	tel.Subscribe(func(s models.Snapshot) { h.Broadcast(MsgTypeSnapshot, s) })
	tel.SubscribePumps(func(p models.PumpStatus) { h.Broadcast(MsgTypePumpStatus, p) })
	return h
}

// Publish forwards a triggered alert to every browser.
func (h *Hub) Publish(_ context.Context, ev models.AlertEvent) error {
	h.Broadcast(MsgTypeAlert, ev)
	return nil
}

// Clients is the number of connected browsers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends one message to every client. Clients whose send buffer
// is full are disconnected.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	data, err := h.encode(WSMessage{Type: msgType, Payload: mustJSON(payload)})
	if err != nil {
		h.log.WithError(err).Warn("encoding broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("client too slow, disconnecting")
			c.close()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
	}
}

// HandleWebSocket upgrades the request and serves the push channel until the
// browser goes away.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		conn: ws,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("remote", c.RealIP()).Info("dashboard client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(client)
	}()

	h.sendTo(client, WSMessage{Type: MsgTypeConnected})
	h.sendTo(client, WSMessage{Type: MsgTypeSnapshot, Payload: mustJSON(h.telemetry.CurrentSnapshot())})
	h.sendTo(client, WSMessage{Type: MsgTypePumpStatus, Payload: mustJSON(h.telemetry.Pumps())})

	h.readPump(client)

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
	<-writerDone
	ws.Close()

	h.log.Info("dashboard client disconnected")
	return nil
}

func (h *Hub) readPump(client *wsClient) {
	ws := client.conn
	ws.SetReadLimit(wsMaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket read failed")
			}
			return
		}

		switch msg.Type {
		case MsgTypePing:
			h.sendTo(client, WSMessage{Type: MsgTypePong, ID: msg.ID})
		case MsgTypePumpControl:
			h.handlePumpControl(client, msg)
		default:
			h.sendError(client, msg.ID, "Unknown message type: "+msg.Type, "INVALID_TYPE")
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	ws := client.conn

	for {
		select {
		case data := <-client.send:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				client.close()
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				ws.Close()
				return
			}
		case <-client.done:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			ws.Close()
			return
		}
	}
}

func (h *Hub) handlePumpControl(client *wsClient, msg WSMessage) {
	var p PumpControlPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		h.sendError(client, msg.ID, "Invalid pumpControl payload: "+err.Error(), "INVALID_PAYLOAD")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsCommandTimeout)
	defer cancel()

	state, err := h.pumps.ControlPump(ctx, p.Pump, p.IsOn, p.Direction, p.RPM)
	if err != nil {
		code := "COMMAND_FAILED"
		if apiErr := FromError(err); apiErr != nil {
			code = apiErr.Code
		}
		h.sendError(client, msg.ID, err.Error(), code)
		return
	}
	h.sendTo(client, WSMessage{
		Type:    MsgTypeAck,
		ID:      msg.ID,
		Payload: mustJSON(map[string]interface{}{"pump": p.Pump, "state": state}),
	})
}

func (h *Hub) sendTo(client *wsClient, msg WSMessage) {
	data, err := h.encode(msg)
	if err != nil {
		h.log.WithError(err).Warn("encoding message")
		return
	}
	select {
	case client.send <- data:
	case <-client.done:
	}
}

func (h *Hub) sendError(client *wsClient, id, message, code string) {
	h.sendTo(client, WSMessage{
		Type:    MsgTypeError,
		ID:      id,
		Payload: mustJSON(WSErrorResponse{Message: message, Code: code}),
	})
}

func (h *Hub) encode(msg WSMessage) ([]byte, error) {
	msg.Timestamp = h.now().UnixMilli()
	return json.Marshal(msg)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
