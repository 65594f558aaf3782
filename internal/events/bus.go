// internal/events/bus.go
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type categorizes messages on the bus.
type Type string

const (
	TypeErrorDetected    Type = "error_detected"
	TypeStateTransition  Type = "state_transition"
	TypeResourcePressure Type = "resource_pressure"
	TypeFixLifecycle     Type = "fix_lifecycle"
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      Type
	Payload   interface{}
}

// Bus is a single-producer-friendly pub/sub fan-out for engine notifications.
// Publish never blocks the producer: when a subscriber's buffer is full the
// oldest queued message is dropped to make room. Consumers that fall behind
// lose history, never throughput.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[Type][]*subscription
	bufferSize  int
	closed      bool
}

type subscription struct {
	ch     chan Message
	cancel func()
}

// NewBus initializes the Bus. bufferSize bounds each subscriber's queue.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		logger:      logger.Named("bus"),
		subscribers: make(map[Type][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Publish fans a message out to every subscriber of its type. It returns the
// number of subscribers that received it.
func (b *Bus) Publish(msgType Type, payload interface{}) int {
	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.subscribers[msgType] {
		for {
			select {
			case sub.ch <- msg:
				delivered++
			default:
				// Buffer full: evict the oldest message and retry once.
				select {
				case <-sub.ch:
					b.logger.Debug("Subscriber lagging; dropped oldest message",
						zap.String("type", string(msgType)))
				default:
				}
				continue
			}
			break
		}
	}
	return delivered
}

// Subscribe returns a receive channel for the given message types and a
// cancel function that unregisters it and closes the channel. The cancel
// function is idempotent.
func (b *Bus) Subscribe(msgTypes ...Type) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	sub := &subscription{ch: ch}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range msgTypes {
				subs := b.subscribers[t]
				for i, s := range subs {
					if s == sub {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			// Close() already closed the channel if the bus shut down first.
			if !b.closed {
				close(ch)
			}
		})
	}

	for _, t := range msgTypes {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
	return ch, sub.cancel
}

// Close shuts the bus down and closes every subscriber channel. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[*subscription]bool)
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			if !seen[sub] {
				seen[sub] = true
				close(sub.ch)
			}
		}
	}
	b.subscribers = make(map[Type][]*subscription)
}
