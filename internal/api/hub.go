package api

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"packsim/internal/sim"
)

// EventType names a live stream a dashboard can subscribe to.
type EventType string

const (
	EventTick  EventType = "tick"
	EventFault EventType = "fault"
)

// Event is the wire envelope. Exactly one payload field is set, matching
// Type, so clients decode without a second unmarshal pass.
type Event struct {
	Type  EventType     `json:"type"`
	Tick  *sim.Snapshot `json:"tick,omitempty"`
	Fault *FaultNotice  `json:"fault,omitempty"`
}

// FaultNotice reports a fault lifecycle change to subscribers.
type FaultNotice struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Target string `json:"target"`
	State  string `json:"state"`
}

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Hub fans live telemetry out to WebSocket dashboards. At 10 Hz a full
// snapshot per tick can swamp a browser over Wi-Fi, so each subscriber
// picks its streams (?streams=tick,fault) and may thin ticks to a ceiling
// rate (?max_hz=1). Fault notices are rare and never thinned; when a
// subscriber's buffer is full a stale tick is evicted to make room.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	join   chan *subscriber
	leave  chan *subscriber
	events chan Event
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte

	streams       map[EventType]bool // nil subscribes to everything
	minTickGapSec float64            // 0 forwards every tick
	lastTickSec   float64
}

func (s *subscriber) wants(t EventType) bool {
	return s.streams == nil || s.streams[t]
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		join:   make(chan *subscriber, 8),
		leave:  make(chan *subscriber, 8),
		events: make(chan Event, 256),
	}
}

// Run owns the subscriber set and serializes all dispatch. Blocks until
// ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				close(s.send)
				delete(h.subs, s)
			}
			h.mu.Unlock()
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			h.mu.Unlock()

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				close(s.send)
				delete(h.subs, s)
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("websocket: marshaling %s event: %v", ev.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(ev.Type) {
			continue
		}
		if ev.Type == EventTick {
			if ev.Tick.TimeSec-s.lastTickSec < s.minTickGapSec {
				continue
			}
			s.lastTickSec = ev.Tick.TimeSec
		}
		select {
		case s.send <- data:
		default:
			if ev.Type != EventFault {
				continue // a slow dashboard can miss a tick
			}
			// Evict a queued message so the fault notice gets through.
			select {
			case <-s.send:
			default:
			}
			select {
			case s.send <- data:
			default:
			}
		}
	}
}

// PublishTick queues a snapshot for broadcast. Never blocks; when the hub
// is saturated the tick is dropped.
func (h *Hub) PublishTick(snap sim.Snapshot) {
	h.publish(Event{Type: EventTick, Tick: &snap})
}

// PublishFault queues a fault lifecycle notice for broadcast.
func (h *Hub) PublishFault(n FaultNotice) {
	h.publish(Event{Type: EventFault, Fault: &n})
}

func (h *Hub) publish(ev Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// AttachRunner streams every published snapshot to subscribers.
func (h *Hub) AttachRunner(r *sim.Runner) {
	r.OnTick(h.PublishTick)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// HandleWebSocket upgrades the connection and registers a subscriber.
// Query parameters: streams=tick,fault narrows the subscription and
// max_hz caps the tick rate this client receives.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins for LAN use
	})
	if err != nil {
		log.Printf("websocket: accept failed: %v", err)
		return
	}

	s := &subscriber{
		conn:        conn,
		send:        make(chan []byte, subscriberBuffer),
		lastTickSec: math.Inf(-1),
	}
	if q := r.URL.Query().Get("streams"); q != "" {
		s.streams = make(map[EventType]bool)
		for _, name := range strings.Split(q, ",") {
			s.streams[EventType(strings.TrimSpace(name))] = true
		}
	}
	if q := r.URL.Query().Get("max_hz"); q != "" {
		if hz, err := strconv.ParseFloat(q, 64); err == nil && hz > 0 {
			s.minTickGapSec = 1.0 / hz
		}
	}

	h.join <- s

	go h.writePump(r.Context(), s)
	h.readPump(r.Context(), s)
}

func (h *Hub) writePump(ctx context.Context, s *subscriber) {
	defer s.conn.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump drains the connection; subscribers never send anything we act on.
func (h *Hub) readPump(ctx context.Context, s *subscriber) {
	defer func() {
		h.leave <- s
	}()
	for {
		if _, _, err := s.conn.Read(ctx); err != nil {
			return
		}
	}
}
