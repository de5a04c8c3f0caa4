// File: internal/transport/local/store.go
package local

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/events"
)

const defaultObserverBuffer = 64

// Source provides the authoritative session snapshots.
type Source interface {
	GetSession(sessionID string) (schemas.SessionSnapshot, error)
	ListSessions() []schemas.SessionSnapshot
}

// AppState is a detached copy of every known session.
type AppState struct {
	Version  uint64                             `json:"version"`
	Sessions map[string]schemas.SessionSnapshot `json:"sessions"`
}

// StateDelta describes one change. Session is the state after Event was applied.
type StateDelta struct {
	Version uint64                  `json:"version"`
	Event   schemas.Event           `json:"event"`
	Session schemas.SessionSnapshot `json:"session"`
	Removed bool                    `json:"removed,omitempty"`
}

type observer struct {
	ctx context.Context
	ch  chan StateDelta
}

// Store mirrors session state for in-process consumers such as a terminal UI.
// It follows the event bridge and re-reads the affected session on every event.
type Store struct {
	logger *zap.Logger
	source Source
	bridge *events.Bridge
	buffer int

	mu        sync.Mutex
	version   uint64
	sessions  map[string]schemas.SessionSnapshot
	observers []*observer
	sub       events.SubscriptionID
	closed    bool
}

// Option configures a Store.
type Option func(*Store)

// WithObserverBuffer sets how many deltas an observer may fall behind before
// further deltas are dropped for it.
func WithObserverBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// NewStore creates a store and starts following bridge.
func NewStore(logger *zap.Logger, source Source, bridge *events.Bridge, opts ...Option) *Store {
	s := &Store{
		logger:   logger.Named("state_store"),
		source:   source,
		bridge:   bridge,
		buffer:   defaultObserverBuffer,
		sessions: make(map[string]schemas.SessionSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, snap := range source.ListSessions() {
		s.sessions[snap.ID] = snap
	}
	s.sub = bridge.SubscribeAll(s.apply)
	return s
}

// GetState returns a sanitized copy of the current state.
func (s *Store) GetState() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := AppState{Version: s.version, Sessions: make(map[string]schemas.SessionSnapshot, len(s.sessions))}
	for id, snap := range s.sessions {
		out.Sessions[id] = detach(snap)
	}
	return out
}

// Subscribe returns a channel of deltas that is closed once ctx is done or
// the store is closed.
func (s *Store) Subscribe(ctx context.Context) <-chan StateDelta {
	o := &observer{ctx: ctx, ch: make(chan StateDelta, s.buffer)}
	s.mu.Lock()
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		close(o.ch)
		return o.ch
	}
	s.observers = append(s.observers, o)
	s.mu.Unlock()

	context.AfterFunc(ctx, func() { s.remove(o) })
	return o.ch
}

// Observers reports how many observers are live.
func (s *Store) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Close stops following the bridge and closes every observer channel.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()

	s.bridge.Unsubscribe(s.sub)
	for _, o := range observers {
		close(o.ch)
	}
}

func (s *Store) remove(target *observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o == target {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			close(o.ch)
			return
		}
	}
}

// apply is the bridge handler.
func (s *Store) apply(ev schemas.Event) error {
	var (
		snap    schemas.SessionSnapshot
		err     error
		removed = ev.Type == schemas.EventSessionRemoved
	)
	if !removed {
		snap, err = s.source.GetSession(ev.SessionID)
	}
	if err != nil {
		var notFound *schemas.SessionNotFoundError
		if !errors.As(err, &notFound) {
			s.logger.Warn("Failed to refresh session state.", zap.String("session_id", ev.SessionID), zap.Error(err))
			return nil
		}
		removed = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return events.ErrSubscriberClosed
	}
	s.version++
	if removed {
		delete(s.sessions, ev.SessionID)
		snap = schemas.SessionSnapshot{ID: ev.SessionID}
	} else {
		s.sessions[snap.ID] = snap
	}

	delta := StateDelta{Version: s.version, Event: ev, Session: detach(snap), Removed: removed}
	live := s.observers[:0]
	for _, o := range s.observers {
		if o.ctx.Err() != nil {
			close(o.ch)
			continue
		}
		live = append(live, o)
		select {
		case o.ch <- delta:
		default:
			s.logger.Warn("Observer is not keeping up; delta dropped.", zap.Uint64("version", s.version))
		}
	}
	s.observers = live
	return nil
}

func detach(snap schemas.SessionSnapshot) schemas.SessionSnapshot {
	snap.History = append([]schemas.ConversationEntry(nil), snap.History...)
	snap.Providers = append([]string(nil), snap.Providers...)
	return snap
}
