package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSession is returned for identifiers that were never created or are reclaimed.
var ErrUnknownSession = errors.New("unknown session")

const (
	ReasonFinished = "finished"
	ReasonIdle     = "idle"
	ReasonAborted  = "aborted"
	ReasonShutdown = "shutdown"
)

// Session is one request lifecycle from intake to reclamation.
type Session struct {
	ID      string
	Channel *Channel
	Created time.Time

	lastActive atomic.Int64
	streaming  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Touch records client or producer activity for the idle reaper.
func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// SetCancel attaches the cancel func of the session's pipeline.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// ClaimStream marks the session as consumed by a push stream. Only the first claim wins.
func (s *Session) ClaimStream() bool {
	return s.streaming.CompareAndSwap(false, true)
}

// ReleaseStream gives up a claim whose stream never started.
func (s *Session) ReleaseStream() {
	s.streaming.Store(false)
}

// Streaming reports whether a push stream owns the session's artifacts.
func (s *Session) Streaming() bool {
	return s.streaming.Load()
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Options tune the store's reaper and reclamation hook.
type Options struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	OnReclaim    func(id, reason string)
}

// Store maps session identifiers to live sessions and owns their storage areas.
type Store struct {
	storage *Storage
	opts    Options
	log     *slog.Logger
	clock   func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(storage *Storage, opts Options, log *slog.Logger) *Store {
	return &Store{
		storage:  storage,
		opts:     opts,
		log:      log.With(slog.String("component", "session-store")),
		clock:    time.Now,
		sessions: make(map[string]*Session),
	}
}

func (s *Store) Storage() *Storage { return s.storage }

// Create allocates an identifier, creates the storage area and registers an empty channel.
func (s *Store) Create() (*Session, error) {
	id := uuid.NewString()
	if err := s.storage.Create(id); err != nil {
		return nil, err
	}
	now := s.clock()
	sess := &Session{ID: id, Channel: NewChannel(), Created: now}
	sess.Touch(now)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.log.Debug("session created", slog.String("session_id", id))
	return sess, nil
}

func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// Reclaim stops the session's pipeline, deletes its storage area and forgets it.
func (s *Store) Reclaim(id, reason string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	sess.stop()
	err := s.storage.Remove(id)
	if err != nil {
		s.log.Warn("failed to remove session storage", slog.String("session_id", id), slogError(err))
	}
	s.log.Info("session reclaimed", slog.String("session_id", id), slog.String("reason", reason))
	if s.opts.OnReclaim != nil {
		s.opts.OnReclaim(id, reason)
	}
	return err
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run reaps idle sessions until ctx is cancelled. It returns immediately when no idle
// timeout is configured.
func (s *Store) Run(ctx context.Context) {
	if s.opts.IdleTimeout <= 0 || s.opts.ReapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	s.log.Info("session reaper started",
		slog.Duration("idle_timeout", s.opts.IdleTimeout),
		slog.Duration("interval", s.opts.ReapInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Store) reapIdle() int {
	now := s.clock()
	var expired []string
	s.mu.RLock()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActive()) > s.opts.IdleTimeout {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	reaped := 0
	for _, id := range expired {
		if err := s.Reclaim(id, ReasonIdle); err == nil || !errors.Is(err, ErrUnknownSession) {
			reaped++
		}
	}
	return reaped
}

// Close reclaims every remaining session.
func (s *Store) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		_ = s.Reclaim(id, ReasonShutdown)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
