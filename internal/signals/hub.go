package signals

import (
	"context"
	"sync"
	"time"
)

// Level is the severity of a user-visible signal.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

const defaultBufferSize = 16

// Signal is a toast-equivalent notification addressed to one user.
type Signal struct {
	ID       string    `json:"id"`
	UserID   string    `json:"-"`
	Level    Level     `json:"level"`
	Message  string    `json:"message"`
	Action   string    `json:"action,omitempty"`
	TargetID string    `json:"targetId,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher accepts signals for delivery.
type Publisher interface {
	Publish(signal Signal)
}

// Hub fans signals out to the subscribers of each user. Slow subscribers lose
// signals instead of blocking the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Signal
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for userID until ctx is done or cleanup is called.
func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan Signal, func()) {
	if userID == "" {
		ch := make(chan Signal)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Signal, h.bufferSize),
	}
	h.register(userID, sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregister(userID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers signal to every current subscriber of signal.UserID.
func (h *Hub) Publish(signal Signal) {
	if signal.UserID == "" || signal.Message == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers[signal.UserID] {
		select {
		case sub.stream <- signal:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(userID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int64]*subscriber)
	}
	h.subscribers[userID][sub.id] = sub
}

func (h *Hub) unregister(userID string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[userID]
	if subs == nil {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.subscribers, userID)
	}
}
