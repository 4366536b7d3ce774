package fanout

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher is the event emission boundary the queue service depends on.
// Delivery is best-effort: implementations must never fail the caller for a
// disconnected or slow client.
type Publisher interface {
	Publish(ctx context.Context, room string, ev Event) error
}

// Subscriber receives events for the rooms it joined.
type Subscriber struct {
	id     string
	rooms  []string
	ch     chan Event
	closed bool
	mu     sync.Mutex
	hub    *Hub
}

// Events returns the receive channel. The channel is closed when the
// subscriber leaves or the hub shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close leaves all rooms and releases the subscriber. Safe to call multiple
// times.
func (s *Subscriber) Close() error {
	s.hub.unsubscribe(s)
	return nil
}

func (s *Subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub maps room keys to live subscribers and fans events out to them.
// Slow consumers are dropped rather than blocking publishers, and a
// subscriber's membership is removed on disconnect so rooms never leak.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Subscriber]struct{}
	bufferSize int
	closed     bool
	done       chan struct{}
	cleanupWg  sync.WaitGroup
	log        *slog.Logger
}

// NewHub creates a hub. bufferSize is the per-subscriber channel buffer; a
// minimum of 1 is enforced to keep sends non-blocking.
func NewHub(bufferSize int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]map[*Subscriber]struct{}),
		bufferSize: max(bufferSize, 1),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Join subscribes to the given rooms. The subscription is cleaned up when
// the context is cancelled (client disconnect) or Close is called.
func (h *Hub) Join(ctx context.Context, id string, rooms ...string) *Subscriber {
	sub := &Subscriber{
		id:    id,
		rooms: rooms,
		ch:    make(chan Event, h.bufferSize),
		hub:   h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Subscriber]struct{})
			h.rooms[room] = members
		}
		members[sub] = struct{}{}
	}
	h.mu.Unlock()

	if ctx.Done() != nil {
		h.cleanupWg.Add(1)
		go func() {
			defer h.cleanupWg.Done()
			select {
			case <-ctx.Done():
				h.unsubscribe(sub)
			case <-h.done:
			}
		}()
	}

	return sub
}

// Publish delivers the event to every live subscriber of the room. Sends are
// non-blocking; a subscriber whose buffer is full is dropped and removed.
// Sequential Publish calls from one goroutine are observed in order by each
// surviving subscriber.
func (h *Hub) Publish(ctx context.Context, room string, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}

	for sub := range h.rooms[room] {
		if !sub.send(ev) {
			h.log.Warn("dropping slow fanout subscriber",
				slog.String("subscriber_id", sub.id),
				slog.String("room", room))
			// Async removal avoids write-lock contention under the read lock.
			go h.unsubscribe(sub)
		}
	}
	return nil
}

// RoomSize returns the number of subscribers in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close shuts down the hub and closes all subscribers. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)

	seen := make(map[*Subscriber]struct{})
	for _, members := range h.rooms {
		for sub := range members {
			seen[sub] = struct{}{}
		}
	}
	clear(h.rooms)
	h.mu.Unlock()

	for sub := range seen {
		sub.close()
	}

	h.cleanupWg.Wait()
	return nil
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	for _, room := range sub.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	sub.close()
}
