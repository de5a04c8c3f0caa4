// File: internal/events/bridge.go
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
)

// ErrSubscriberClosed is returned by a Handler whose delivery target is gone.
// The bridge drops such a subscriber without logging.
var ErrSubscriberClosed = errors.New("events: subscriber closed")

// Handler receives events for one subscription, one at a time, in publish order.
type Handler func(ev schemas.Event) error

// SubscriptionID identifies a subscription returned by Subscribe.
type SubscriptionID string

// wildcard is the bySession key of subscribers that see every session.
const wildcard = "*"

const defaultBufferSize = 256

type subscriber struct {
	id        SubscriptionID
	sessionID string
	handler   Handler
	queue     chan schemas.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Bridge fans session events out to subscribers. Every subscriber owns a
// bounded queue drained by its own goroutine, so Publish never blocks on a
// slow consumer and each consumer sees events in publish order.
type Bridge struct {
	logger     *zap.Logger
	bufferSize int

	// pubMu orders sequence assignment and enqueueing across publishers.
	pubMu sync.Mutex
	seq   map[string]uint64

	mu        sync.RWMutex
	subs      map[SubscriptionID]*subscriber
	bySession map[string]map[SubscriptionID]*subscriber
	closed    bool

	wg sync.WaitGroup
}

// NewBridge creates a bridge whose subscribers buffer up to bufferSize events.
func NewBridge(logger *zap.Logger, bufferSize int) *Bridge {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bridge{
		logger:     logger.Named("event_bridge"),
		bufferSize: bufferSize,
		seq:        make(map[string]uint64),
		subs:       make(map[SubscriptionID]*subscriber),
		bySession:  make(map[string]map[SubscriptionID]*subscriber),
	}
}

// Subscribe registers handler for events of one session.
func (b *Bridge) Subscribe(sessionID string, handler Handler) SubscriptionID {
	return b.add(sessionID, handler)
}

// SubscribeAll registers handler for events of every session.
func (b *Bridge) SubscribeAll(handler Handler) SubscriptionID {
	return b.add(wildcard, handler)
}

// SubscribeContext is Subscribe with automatic removal once ctx is done.
func (b *Bridge) SubscribeContext(ctx context.Context, sessionID string, handler Handler) SubscriptionID {
	id := b.add(sessionID, handler)
	if id == "" {
		return id
	}
	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()
	return id
}

func (b *Bridge) add(sessionID string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}

	s := &subscriber{
		id:        SubscriptionID(uuid.NewString()),
		sessionID: sessionID,
		handler:   handler,
		queue:     make(chan schemas.Event, b.bufferSize),
		done:      make(chan struct{}),
	}
	b.subs[s.id] = s
	if b.bySession[sessionID] == nil {
		b.bySession[sessionID] = make(map[SubscriptionID]*subscriber)
	}
	b.bySession[sessionID][s.id] = s

	b.wg.Add(1)
	go b.deliver(s)
	return s.id
}

// Unsubscribe removes a subscription. No event published afterwards reaches it.
// Unknown or already removed IDs are ignored.
func (b *Bridge) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	s := b.removeLocked(id)
	b.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (b *Bridge) removeLocked(id SubscriptionID) *subscriber {
	s, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)
	if set := b.bySession[s.sessionID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(b.bySession, s.sessionID)
		}
	}
	return s
}

// Publish stamps ev with the session's next sequence number and enqueues it
// for every matching subscriber. It never blocks on delivery. A subscriber
// whose queue is full is evicted.
func (b *Bridge) Publish(sessionID string, ev schemas.Event) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.bySession[sessionID])+len(b.bySession[wildcard]))
	for _, s := range b.bySession[sessionID] {
		targets = append(targets, s)
	}
	if sessionID != wildcard {
		for _, s := range b.bySession[wildcard] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.seq[sessionID]++
	ev.SessionID = sessionID
	ev.Seq = b.seq[sessionID]
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	for _, s := range targets {
		select {
		case <-s.done:
		case s.queue <- ev:
		default:
			b.logger.Warn("Subscriber queue overflowed; evicting.",
				zap.String("subscription_id", string(s.id)),
				zap.String("session_id", sessionID),
				zap.Int("buffer_size", b.bufferSize))
			b.Unsubscribe(s.id)
		}
	}
}

// deliver drains one subscriber's queue until it is stopped.
func (b *Bridge) deliver(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			// Stop takes priority over a queued event.
			select {
			case <-s.done:
				return
			default:
			}
			if err := b.invoke(s, ev); err != nil {
				if errors.Is(err, ErrSubscriberClosed) {
					b.Unsubscribe(s.id)
					return
				}
				b.logger.Debug("Subscriber handler returned an error.",
					zap.String("subscription_id", string(s.id)),
					zap.String("event_type", string(ev.Type)),
					zap.Error(err))
			}
		}
	}
}

func (b *Bridge) invoke(s *subscriber, ev schemas.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber handler panicked.",
				zap.String("subscription_id", string(s.id)),
				zap.Any("panic_value", r),
				zap.Stack("stack"))
			err = nil
		}
	}()
	return s.handler(ev)
}

// SubscriberCount reports live subscriptions for a session, wildcard ones excluded.
func (b *Bridge) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bySession[sessionID])
}

// Close stops every subscriber and waits for their goroutines to exit.
// Calling Close more than once is safe.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	stopping := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		stopping = append(stopping, s)
	}
	b.subs = make(map[SubscriptionID]*subscriber)
	b.bySession = make(map[string]map[SubscriptionID]*subscriber)
	b.mu.Unlock()

	for _, s := range stopping {
		s.stop()
	}
	b.wg.Wait()
}

// Forget drops the sequence counter of a torn-down session.
func (b *Bridge) Forget(sessionID string) {
	b.pubMu.Lock()
	delete(b.seq, sessionID)
	b.pubMu.Unlock()
}
