package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Inbound frames are ignored, so anything above a pong is noise.
	maxMessageSize = 4 * 1024

	clientSendBuffer = 256
)

// wsClient is one websocket consumer of the event stream.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	project string // empty streams every project
	send    chan []byte
	logger  *logger.Logger
}

func newWSClient(id string, conn *websocket.Conn, hub *Hub, project string, log *logger.Logger) *wsClient {
	return &wsClient{
		id:      id,
		conn:    conn,
		hub:     hub,
		project: project,
		send:    make(chan []byte, clientSendBuffer),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// readPump drains inbound frames to keep pong handling alive. The stream is
// one-way; client payloads are discarded.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes queued events to the connection and keeps it alive with
// pings. Queued messages are batched newline-separated into one frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type broadcastMessage struct {
	project string
	payload []byte
}

// Hub fans bus events out to websocket clients. Clients optionally filter
// to a single project; everything else of the routing lives here so the
// bus handler stays non-blocking.
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan broadcastMessage

	logger *logger.Logger
}

// NewHub creates an event stream hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan broadcastMessage, 256),
		logger:     log.WithFields(zap.String("component", "event-hub")),
	}
}

// Run processes client registration and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("client connected",
				zap.String("client_id", client.id),
				zap.String("project", client.project))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.project != "" && client.project != msg.project {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer: drop the connection rather
					// than stall the stream.
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// BindBus subscribes the hub to every event subject on the bus. The handler
// never blocks; when the broadcast queue is full the event is dropped,
// the stores remain the source of truth.
func (h *Hub) BindBus(b bus.EventBus) (bus.Subscription, error) {
	return b.Subscribe(events.BuildAllEventsSubject(), func(ctx context.Context, ev *bus.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- broadcastMessage{project: eventProject(ev), payload: payload}:
		default:
			h.logger.Debug("event stream queue full, dropping event",
				zap.String("event_type", ev.Type))
		}
		return nil
	})
}

// eventProject extracts the project id from a bus event. In-process events
// carry the typed store record; events relayed over NATS arrive as decoded
// JSON maps.
func eventProject(ev *bus.Event) string {
	if ev == nil || ev.Data == nil {
		return ""
	}
	switch rec := ev.Data["event"].(type) {
	case store.Event:
		return rec.ProjectID
	case *store.Event:
		return rec.ProjectID
	case map[string]any:
		if p, ok := rec["projectId"].(string); ok {
			return p
		}
	}
	return ""
}
