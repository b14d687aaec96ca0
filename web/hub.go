package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"locate-go/fusion"
	"locate-go/server"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientQueueLen = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is one websocket message.
type Frame struct {
	Type     string       `json:"type"`
	TS       int64        `json:"ts"`
	Floor    *int         `json:"floor,omitempty"`
	Entity   *EntityView  `json:"entity,omitempty"`
	Entities []EntityView `json:"entities"`
	Expired  []string     `json:"expired,omitempty"`
}

const (
	FramePosition = "position"
	FrameSweep    = "sweep"
	FrameSnapshot = "snapshot"
)

// EntityView is the presentation form of an entity.
type EntityView struct {
	ID        string          `json:"id"`
	Floor     int             `json:"floor"`
	Position  fusion.Position `json:"position"`
	LastSeen  int64           `json:"ts"`
	RSSICount int             `json:"rssiCount"`
	AgeSec    int64           `json:"ageSec"`
	Samples   []fusion.Sample `json:"samples,omitempty"`
}

func viewOf(st fusion.EntityState, now time.Time, withSamples bool) EntityView {
	v := EntityView{
		ID:        st.ID,
		Floor:     st.Floor,
		Position:  st.Position,
		LastSeen:  st.LastSeen.UnixMilli(),
		RSSICount: len(st.Samples),
		AgeSec:    int64(now.Sub(st.LastSeen).Round(time.Second) / time.Second),
	}
	if withSamples {
		v.Samples = st.Samples
	}
	return v
}

func viewsOf(states []fusion.EntityState, now time.Time) []EntityView {
	out := make([]EntityView, 0, len(states))
	for _, st := range states {
		out = append(out, viewOf(st, now, false))
	}
	return out
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans frames out to websocket clients. Slow clients are disconnected.
type Hub struct {
	mu         sync.Mutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	stopped    chan struct{}
	greeting   func(ctx context.Context) ([]byte, error)
	log        *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		stopped:    make(chan struct{}),
		log:        logger.With("component", "hub"),
	}
}

// SetGreeting sets the frame sent to every new client before any broadcast.
func (h *Hub) SetGreeting(fn func(ctx context.Context) ([]byte, error)) {
	h.greeting = fn
}

// Run owns client registration until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", "clients", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", "clients", n)
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					h.log.Warn("dropping slow client")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. It never blocks; frames are dropped when the
// hub is behind.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping frame")
	}
}

// Publish implements server.Sink.
func (h *Hub) Publish(u server.Update) {
	f := Frame{TS: u.Time.UnixMilli(), Entities: viewsOf(u.Entities, u.Time), Expired: u.Expired}
	if u.Sweep() {
		f.Type = FrameSweep
	} else {
		f.Type = FramePosition
		floor := u.Entity.Floor
		f.Floor = &floor
		v := viewOf(*u.Entity, u.Time, true)
		f.Entity = &v
	}
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Error("encode frame", "error", err)
		return
	}
	h.Broadcast(b)
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueueLen)}
	if h.greeting != nil {
		if b, err := h.greeting(r.Context()); err == nil {
			c.send <- b
		} else {
			h.log.Warn("greeting failed", "error", err)
		}
	}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
