// Package hub fans the rendered overlay and the session status out to
// websocket viewers.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"DetMonitor/logger"
	"DetMonitor/monitor"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 8
	writeTimeout = 2 * time.Second
	readLimit    = 4096
)

type frameMessage struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// statusMessage inlines the status fields next to "type".
func statusMessage(status any) ([]byte, error) {
	raw, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(`"status"`)
	return json.Marshal(fields)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mutex      sync.RWMutex
	log        *zap.Logger

	latestMu     sync.RWMutex
	latestFrame  []byte
	latestJPEG   []byte
	latestStatus []byte

	upgrader websocket.Upgrader
}

func New() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			monitor.ViewerClients.Set(0)
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mutex.Unlock()
			monitor.ViewerClients.Set(float64(n))
			h.log.Info("viewer connected", zap.String("client", c.id), zap.Int("total", n))

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			monitor.ViewerClients.Set(float64(n))
			h.log.Info("viewer disconnected", zap.String("client", c.id), zap.Int("total", n))

		case msg := <-h.broadcast:
			h.mutex.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow viewer, it catches up with the next frame
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// PublishFrame never blocks; when viewers lag the frame is dropped.
func (h *Hub) PublishFrame(jpeg []byte) {
	msg, err := json.Marshal(frameMessage{Type: "frame", Image: base64.StdEncoding.EncodeToString(jpeg)})
	if err != nil {
		return
	}
	h.latestMu.Lock()
	h.latestJPEG = jpeg
	h.latestFrame = msg
	h.latestMu.Unlock()
	h.enqueue(msg)
}

func (h *Hub) PublishStatus(status any) {
	msg, err := statusMessage(status)
	if err != nil {
		h.log.Warn("status encode failed", zap.Error(err))
		return
	}
	h.latestMu.Lock()
	h.latestStatus = msg
	h.latestMu.Unlock()
	h.enqueue(msg)
}

func (h *Hub) enqueue(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// LatestJPEG is the most recent overlay, nil before the first one.
func (h *Hub) LatestJPEG() []byte {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	return h.latestJPEG
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams to the viewer until it leaves.
// Viewers only listen; anything they send is discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	h.latestMu.RLock()
	for _, m := range [][]byte{h.latestStatus, h.latestFrame} {
		if m != nil {
			c.send <- m
		}
	}
	h.latestMu.RUnlock()

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("viewer write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
}
