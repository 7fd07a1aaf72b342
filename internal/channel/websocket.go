package channel

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deskchat/internal/bus"
)

const (
	streamBuffer     = 64
	streamWriteLimit = 5 * time.Second
)

// StreamEvent is the JSON frame written for each bus event.
type StreamEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Replayed  bool           `json:"replayed,omitempty"`
}

// EventStream mirrors conversation events to WebSocket observers. A
// client may pass ?since=RFC3339 to first receive the recorded history
// from that instant, and ?type= to narrow the stream to one event type.
type EventStream struct {
	bus      *bus.EventBus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	subID    string

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn      *websocket.Conn
	eventType string
	send      chan StreamEvent
	done      chan struct{}
	once      sync.Once
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewEventStream subscribes to every event on b. Close releases the
// subscription and disconnects clients.
func NewEventStream(b *bus.EventBus, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EventStream{
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*streamClient]struct{}),
	}
	s.subID = b.On(bus.Wildcard, s.broadcast)
	return s
}

// broadcast runs on the emitting goroutine, so it never blocks on a slow
// client: a full buffer drops the event for that client.
func (s *EventStream) broadcast(ev bus.Event) {
	frame := toFrame(ev, false)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.eventType != "" && c.eventType != ev.Type {
			continue
		}
		select {
		case c.send <- frame:
		default:
			s.logger.Warn("event stream client lagging, event dropped", "event", ev.Type)
		}
	}
}

func toFrame(ev bus.Event, replayed bool) StreamEvent {
	return StreamEvent{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
		Replayed:  replayed,
	}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "err", err)
		return
	}

	c := &streamClient{
		conn:      conn,
		eventType: q.Get("type"),
		send:      make(chan StreamEvent, streamBuffer),
		done:      make(chan struct{}),
	}
	joined := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("event stream client connected", "remote", r.RemoteAddr, "type", c.eventType)

	var backlog []bus.Event
	if !since.IsZero() {
		eventType := c.eventType
		if eventType == "" {
			eventType = bus.Wildcard
		}
		for _, ev := range s.bus.Replay(eventType, since) {
			if ev.Timestamp.Before(joined) {
				backlog = append(backlog, ev)
			}
		}
	}

	go s.writeLoop(c, backlog)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.stop()
		conn.Close()
		s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
	}()
	for {
		// Observers do not send anything; reading detects the close.
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event stream read error", "err", err)
			}
			return
		}
	}
}

func (s *EventStream) writeLoop(c *streamClient, backlog []bus.Event) {
	write := func(f StreamEvent) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
		if err := c.conn.WriteJSON(f); err != nil {
			s.logger.Debug("event stream write failed", "err", err)
			c.stop()
			c.conn.Close()
			return false
		}
		return true
	}
	for _, ev := range backlog {
		if !write(toFrame(ev, true)) {
			return
		}
	}
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.conn.Close()
			return
		case f := <-c.send:
			if !write(f) {
				return
			}
		}
	}
}

// Clients reports how many observers are connected.
func (s *EventStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *EventStream) Close() error {
	s.bus.Off(bus.Wildcard, s.subID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		c.stop()
	}
	return nil
}
