package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events/bus"
)

const (
	defaultQueueSize = 100
	defaultKeepalive = 30 * time.Second
)

// Subscriber is one consumer of a session's event stream.
type Subscriber struct {
	ch        chan Event
	closeOnce sync.Once
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) { b.queueSize = n }
}

// WithKeepalive sets the SSE keepalive interval.
func WithKeepalive(d time.Duration) Option {
	return func(b *Broadcaster) { b.keepalive = d }
}

// WithMirror publishes every broadcast event to an external event bus
// under crewd.session.<id>.events, in addition to local subscribers.
func WithMirror(eventBus bus.EventBus) Option {
	return func(b *Broadcaster) { b.mirror = eventBus }
}

// Broadcaster fans session events out to per-session subscriber queues.
// Sends never block: when a subscriber's queue is full the event is
// dropped for that subscriber and logged.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[*Subscriber]struct{}

	log       *logger.Logger
	mirror    bus.EventBus
	queueSize int
	keepalive time.Duration
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(log *logger.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[string]map[*Subscriber]struct{}),
		log:         log,
		queueSize:   defaultQueueSize,
		keepalive:   defaultKeepalive,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for a session's events.
func (b *Broadcaster) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, b.queueSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subscribers[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Broadcaster) Unsubscribe(sessionID string, sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subscribers[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Broadcast offers an event to every subscriber of the session without
// blocking. Full queues drop the event.
func (b *Broadcaster) Broadcast(sessionID string, event Event) {
	b.mu.Lock()
	set := b.subscribers[sessionID]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("event dropped, subscriber queue full",
				zap.String("session_id", sessionID),
				zap.String("event_type", event.Type),
			)
		}
	}

	if b.mirror != nil {
		subject := fmt.Sprintf("crewd.session.%s.events", sessionID)
		busEvent := bus.NewEvent(event.Type, "crewd", map[string]any{
			"session_id": event.SessionID,
			"agent":      event.Agent,
			"timestamp":  event.Timestamp,
			"data":       event.Data,
		})
		go func() {
			if err := b.mirror.Publish(context.Background(), subject, busEvent); err != nil {
				b.log.Warn("event mirror publish failed",
					zap.String("subject", subject),
					zap.Error(err),
				)
			}
		}()
	}
}

// StreamSSE writes a subscriber's events to w in server-sent-event form
// (`data: <json>\n\n`), emitting a keepalive comment when no event
// arrives within the keepalive interval. It returns after delivering a
// session_end event, when the context is done, or when the subscriber's
// queue is closed. The subscriber is unsubscribed on return.
func (b *Broadcaster) StreamSSE(ctx context.Context, sessionID string, sub *Subscriber, w io.Writer) error {
	defer b.Unsubscribe(sessionID, sub)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	keepalive := time.NewTimer(b.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.ch:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				b.log.Warn("event encode failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			flush()
			if event.Type == TypeSessionEnd {
				return nil
			}
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(b.keepalive)
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return err
			}
			flush()
			keepalive.Reset(b.keepalive)
		}
	}
}

// Cleanup drops every subscriber of a session.
func (b *Broadcaster) Cleanup(sessionID string) {
	b.mu.Lock()
	set := b.subscribers[sessionID]
	delete(b.subscribers, sessionID)
	b.mu.Unlock()
	for sub := range set {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[sessionID])
}
