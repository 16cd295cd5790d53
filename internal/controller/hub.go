// Package controller is the daemon side of the transport: it answers GUID
// queries and turns found-name and accept callbacks into events for
// control-plane subscribers.
package controller

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultHistory is how many recent events a hub keeps
const DefaultHistory = 128

// Kind identifies an event
type Kind string

const (
	KindFoundName Kind = "found_name"
	KindAccepted  Kind = "accepted"
)

// Event is one upward callback
type Event struct {
	Seq  uint64
	Time time.Time
	Kind Kind

	// found_name
	Names string
	GUID  string
	Addr  string
	Port  string

	// accepted
	EndpointID string
}

// NameList splits Names on ';'
func (e Event) NameList() []string {
	if e.Names == "" {
		return nil
	}
	return strings.Split(e.Names, ";")
}

// Option configures a Hub
type Option func(*Hub)

// WithClock overrides the event timestamp source
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithHistory sets the number of recent events retained
func WithHistory(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.history = n
		}
	}
}

// Hub implements the daemon controller callbacks
type Hub struct {
	guid    string
	history int
	clock   clock.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	seq     uint64
	recent  []Event
	subs    map[uint64]chan Event
	nextSub uint64
}

// NewHub creates a hub answering GlobalGUID with guid
func NewHub(guid string, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		guid:    guid,
		history: DefaultHistory,
		clock:   clock.New(),
		logger:  logger.Named("controller"),
		subs:    make(map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GlobalGUID returns the local bus GUID
func (h *Hub) GlobalGUID() string {
	return h.guid
}

// FoundName records names hosted by guid at addr
func (h *Hub) FoundName(names, guid, addr, port string) {
	h.logger.Debug("FoundName",
		zap.String("names", names),
		zap.String("guid", guid),
		zap.String("addr", addr),
		zap.String("port", port),
	)
	h.publish(Event{Kind: KindFoundName, Names: names, GUID: guid, Addr: addr, Port: port})
}

// Accepted records a bridge endpoint opened by a remote peer
func (h *Hub) Accepted(id string) {
	h.logger.Debug("Accepted", zap.String("endpoint", id))
	h.publish(Event{Kind: KindAccepted, EndpointID: id})
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	ev.Time = h.clock.Now()

	h.recent = append(h.recent, ev)
	if len(h.recent) > h.history {
		h.recent = h.recent[len(h.recent)-h.history:]
	}

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("Subscriber too slow, dropping event", zap.Uint64("subscriber", id), zap.Uint64("seq", ev.Seq))
		}
	}
}

// Recent returns retained events, oldest first
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.recent))
	copy(out, h.recent)
	return out
}

// Subscribe returns a channel receiving every event published from now on
// and a function that ends the subscription and closes the channel
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
