package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blopit/SwarmDirector-sub000/blackboard"
	"github.com/blopit/SwarmDirector-sub000/core"
)

const (
	maxStreamConnections = 200
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 30 * time.Second
	clientBuffer         = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamClient struct {
	conn *websocket.Conn
	send chan blackboard.Change
}

// Hub fans blackboard changes out to websocket subscribers. Clients that
// fall behind are dropped rather than allowed to stall the feed.
type Hub struct {
	board  *blackboard.Blackboard
	logger core.Logger

	register   chan *streamClient
	unregister chan *streamClient
	clients    map[*streamClient]struct{}

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(board *blackboard.Blackboard, logger core.Logger) *Hub {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Hub{
		board:      board,
		logger:     logger,
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		clients:    make(map[*streamClient]struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the blackboard and runs the fan-out loop.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	sub := h.board.SubscribeAll()
	go h.run(ctx, sub)
}

func (h *Hub) run(ctx context.Context, sub *blackboard.Subscription) {
	defer close(h.done)
	defer h.board.Unsubscribe(sub)

	for {
		select {
		case client := <-h.register:
			if len(h.clients) >= maxStreamConnections {
				h.logger.Warn("Stream connection limit reached, rejecting client", map[string]interface{}{
					"limit": maxStreamConnections,
				})
				client.conn.Close()
				continue
			}
			h.clients[client] = struct{}{}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case change, ok := <-sub.C:
			if !ok {
				return
			}
			for client := range h.clients {
				select {
				case client.send <- change:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}

		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// Stop terminates the fan-out loop and waits for it to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}
}

// handleStream upgrades the connection and attaches it to the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", map[string]interface{}{
			"error":  err.Error(),
			"remote": r.RemoteAddr,
		})
		return
	}

	client := &streamClient{conn: conn, send: make(chan blackboard.Change, clientBuffer)}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go s.hub.writePump(client)
	go s.hub.readPump(client)
}

// writePump pushes changes and pings to one client.
func (h *Hub) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case change, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(change); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close messages are processed.
func (h *Hub) readPump(client *streamClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
