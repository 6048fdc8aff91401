// Package broadcast fans live position and ETA events out to websocket
// subscribers, scoped by topic.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/transitlive/tracker_core/internal/metrics"
)

const DefaultQueueSize = 64

// Conn is the write side of a live connection
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// event is every server-to-client message carrying a payload
type event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type connectedMessage struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

type topicsMessage struct {
	Type      string    `json:"type"`
	Topics    []string  `json:"topics"`
	Timestamp time.Time `json:"timestamp"`
}

type errorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type clientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type subscriber struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}
	stop sync.Once

	healthy atomic.Bool

	mu     sync.Mutex
	topics map[string]struct{}
}

func (s *subscriber) close() {
	s.stop.Do(func() { close(s.done) })
}

func (s *subscriber) subscribedToAny(topics []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if _, ok := s.topics[t]; ok {
			return true
		}
	}
	return false
}

// topicList returns the subscription set, sorted
func (s *subscriber) topicList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]string, 0, len(s.topics))
	for t := range s.topics {
		list = append(list, t)
	}
	sort.Strings(list)
	return list
}

// Hub is the registry of live subscribers. Each subscriber gets a bounded
// outbound queue drained by its own writer goroutine, so a slow or broken
// connection never holds up the others.
type Hub struct {
	logger    *slog.Logger
	metrics   *metrics.Collector
	queueSize int
	now       func() time.Time

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		now:       time.Now,
		subs:      make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds conn with an empty subscription set and queues the
// connected acknowledgment. It returns "" once the hub is closed.
func (h *Hub) Register(conn Conn) string {
	s := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	s.healthy.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ""
	}
	h.subs[s.id] = s
	count := len(h.subs)
	h.mu.Unlock()

	go h.writeLoop(s)

	h.metrics.SetSubscribers(count)
	h.logger.Info("websocket client connected", slog.String("client_id", s.id))

	h.reply(s, connectedMessage{Type: "connected", ClientID: s.id, Timestamp: h.now().UTC()})
	return s.id
}

// Unregister drops a subscriber. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	h.metrics.SetSubscribers(count)
	h.logger.Info("websocket client disconnected", slog.String("client_id", id))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Topics returns the sorted subscription set of id, nil when unknown
func (h *Hub) Topics(id string) []string {
	s := h.get(id)
	if s == nil {
		return nil
	}
	return s.topicList()
}

// HandleMessage applies one client message to the subscriber that sent it
func (h *Hub) HandleMessage(id string, raw []byte) {
	s := h.get(id)
	if s == nil {
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("websocket message parse error",
			slog.String("client_id", id),
			slog.String("error", err.Error()))
		h.reply(s, errorMessage{Type: "error", Message: "Invalid message format", Timestamp: h.now().UTC()})
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		if msg.Topics == nil {
			h.reply(s, errorMessage{Type: "error", Message: "topics must be a list", Timestamp: h.now().UTC()})
			return
		}
		s.mu.Lock()
		for _, t := range msg.Topics {
			if msg.Type == "subscribe" {
				s.topics[t] = struct{}{}
			} else {
				delete(s.topics, t)
			}
		}
		s.mu.Unlock()
		h.reply(s, topicsMessage{Type: msg.Type + "d", Topics: s.topicList(), Timestamp: h.now().UTC()})

	case "ping":
		h.reply(s, event{Type: "pong", Timestamp: h.now().UTC()})

	default:
		h.logger.Warn("unknown websocket message type",
			slog.String("client_id", id),
			slog.String("type", msg.Type))
	}
}

// Broadcast queues an event for every healthy subscriber of any of topics,
// or for every healthy subscriber when no topic is given. Each subscriber
// receives it at most once. It returns the number of queues it reached.
func (h *Hub) Broadcast(eventType string, data any, topics ...string) int {
	payload, err := json.Marshal(event{Type: eventType, Data: data, Timestamp: h.now().UTC()})
	if err != nil {
		h.logger.Error("failed to encode broadcast",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if len(topics) > 0 && !s.subscribedToAny(topics) {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if h.enqueue(s, payload) {
			delivered++
		}
	}

	h.metrics.Delivered(delivered)
	if delivered > 0 {
		h.logger.Debug("broadcast sent",
			slog.String("type", eventType),
			slog.Int("clients", delivered))
	}
	return delivered
}

// Publish broadcasts into this hub; it never fails
func (h *Hub) Publish(_ context.Context, eventType string, data any, topics ...string) error {
	h.Broadcast(eventType, data, topics...)
	return nil
}

// Close disconnects every subscriber and refuses new ones
func (h *Hub) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
		_ = s.conn.Close()
	}
	h.metrics.SetSubscribers(0)
	return nil
}

func (h *Hub) get(id string) *subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subs[id]
}

func (h *Hub) reply(s *subscriber, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	h.enqueue(s, payload)
}

func (h *Hub) enqueue(s *subscriber, payload []byte) bool {
	if !s.healthy.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		h.metrics.Dropped()
		h.logger.Warn("websocket queue full, dropping message", slog.String("client_id", s.id))
		return false
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.healthy.Store(false)
				h.logger.Warn("websocket write failed",
					slog.String("client_id", s.id),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}
