package auth

import (
	"context"
	"log/slog"
	"sync"
)

// StoreState is the SessionStore lifecycle state.
type StoreState int

const (
	// StateLoading holds until the initial session fetch resolves.
	StateLoading StoreState = iota
	// StateReady holds for the remainder of the process lifetime.
	StateReady
)

func (s StoreState) String() string {
	if s == StateReady {
		return "ready"
	}
	return "loading"
}

// Snapshot is an observable projection of the store at one instant.
type Snapshot struct {
	State   StoreState
	Session *Session
}

// Authenticated reports whether the snapshot holds a session.
func (s Snapshot) Authenticated() bool {
	return s.State == StateReady && s.Session != nil
}

// Store is the process-wide observable session state. It is populated once
// at startup and kept current by consuming the backend's notification
// stream in a dedicated goroutine. The cached session is a projection of
// backend truth, never written speculatively.
type Store struct {
	source SessionSource
	logger *slog.Logger

	mu      sync.RWMutex
	state   StoreState
	session *Session
	closed  bool
	subs    map[int]chan Snapshot
	nextSub int

	stream    ChangeStream
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore constructs a store in the Loading state.
func NewStore(source SessionSource, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		source: source,
		logger: logger,
		state:  StateLoading,
		subs:   make(map[int]chan Snapshot),
		done:   make(chan struct{}),
	}
}

// Start opens the standing subscription and performs the initial session
// fetch. The Loading -> Ready transition happens exactly once: a failed
// initial fetch still resolves to Ready with a nil session, and a
// notification that outruns the fetch wins over it.
func (s *Store) Start(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	// Subscribe before the fetch so a sign-in landing mid-start arrives
	// as a notification instead of falling into a blind window.
	stream, err := s.source.Subscribe(ctx)
	if err != nil {
		return authErr("subscribe", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return ErrStoreClosed
	}
	s.stream = stream
	s.mu.Unlock()

	go s.listen(stream)

	sess, err := s.source.Session(ctx)
	if err != nil {
		s.logger.Warn("initial session fetch failed", "error", err)
		sess = nil
	}
	s.become(sess)
	return nil
}

// listen consumes notifications until the stream ends or the store closes.
func (s *Store) listen(stream ChangeStream) {
	for {
		select {
		case change, ok := <-stream.Events():
			if !ok {
				s.logger.Debug("auth change stream ended")
				return
			}
			s.apply(change)
		case <-s.done:
			return
		}
	}
}

// apply replaces the held session with the notified value. The store never
// reverts to Loading and a released store never mutates.
func (s *Store) apply(change Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.session = change.Session
	snap := Snapshot{State: s.state, Session: s.session}
	s.notifyLocked(snap)
	s.mu.Unlock()

	s.logger.Debug("auth state changed", "kind", string(change.Kind), "authenticated", snap.Session != nil)
}

// become resolves the one-time Loading -> Ready transition.
func (s *Store) become(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == StateReady {
		return
	}
	s.state = StateReady
	s.session = sess
	s.notifyLocked(Snapshot{State: s.state, Session: s.session})
}

// Snapshot returns the current observable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{State: s.state, Session: s.session}
}

// Watch registers an observer. The returned cancel func releases it.
// Notifications are best-effort: a slow observer misses intermediate
// snapshots rather than blocking reconciliation.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notifyLocked(snap Snapshot) {
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop and overwrite the stale pending snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Close releases the standing subscription. Notifications delivered after
// release are discarded; observers are closed.
func (s *Store) Close() error {
	var streamErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		stream := s.stream
		s.stream = nil
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()

		close(s.done)
		if stream != nil {
			streamErr = stream.Close()
		}
	})
	return streamErr
}
