// Package events fans out tool call events to live subscribers and
// optional durable sinks.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status values of a tool event.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event records the outcome of one tool call. It never carries credentials.
type Event struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	User       string    `json:"user"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(tool, user, status, message string, took time.Duration) Event {
	return Event{
		ID:         uuid.New().String(),
		Tool:       tool,
		User:       user,
		Status:     status,
		Message:    message,
		DurationMS: took.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
}

// AllUsers subscribes to every user's events.
const AllUsers = ""

const subscriberBuffer = 16

// Hub manages event subscriptions keyed by user.
type Hub struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	closed      bool
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel of events for user, or for everyone with AllUsers.
func (h *Hub) Subscribe(user string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[user] = append(h.subscribers[user], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(user string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[user]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[user] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(h.subscribers[user]) == 0 {
		delete(h.subscribers, user)
	}
}

// Emit delivers an event to the user's subscribers and to AllUsers subscribers.
// Slow subscribers miss events instead of blocking the caller.
func (h *Hub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	send := func(subs []chan Event) {
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
	}

	send(h.subscribers[event.User])
	if event.User != AllUsers {
		send(h.subscribers[AllUsers])
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for user, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, user)
	}
}
