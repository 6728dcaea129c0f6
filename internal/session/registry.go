package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/runbox-dev/runbox/internal/logger"
	"github.com/runbox-dev/runbox/internal/sandbox"
)

// shutdownConcurrency bounds how many sessions are stopped in parallel
// during RemoveAll.
const shutdownConcurrency = 8

// CreateArgs carries the parameters of a terminal:start request.
type CreateArgs struct {
	ConnID    string
	ProjectID string
	UserID    string
	Language  string
	Cols      int
	Rows      int
}

// Hooks are optional registry lifecycle callbacks (metrics wiring).
type Hooks struct {
	SessionCreated func()
	SessionRemoved func()
}

// Registry owns all live sessions and the ownership maps. A session is held
// iff its state is pre-Terminated; entering Terminated removes it from every
// map before its container is released.
type Registry struct {
	adapter sandbox.Adapter
	log     *logger.Logger
	cfg     Config
	hooks   Hooks

	maxPerConn int
	maxGlobal  int

	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[string]map[string]*Session

	totalCreated atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(adapter sandbox.Adapter, log *logger.Logger, cfg Config, maxPerConn, maxGlobal int, hooks Hooks) *Registry {
	return &Registry{
		adapter:    adapter,
		log:        log,
		cfg:        cfg,
		hooks:      hooks,
		maxPerConn: maxPerConn,
		maxGlobal:  maxGlobal,
		sessions:   make(map[string]*Session),
		byConn:     make(map[string]map[string]*Session),
	}
}

// Create allocates a session in Creating state and inserts it into both maps
// before any adapter call, so lookups are consistent while creation is in
// flight. The caller launches Session.Start. Cap breaches return
// ErrLimitExceeded without touching the adapter.
func (r *Registry) Create(ctx context.Context, args CreateArgs, emitter Emitter) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxGlobal {
		return nil, fmt.Errorf("%w: global cap %d reached", ErrLimitExceeded, r.maxGlobal)
	}
	if len(r.byConn[args.ConnID]) >= r.maxPerConn {
		return nil, fmt.Errorf("%w: connection cap %d reached", ErrLimitExceeded, r.maxPerConn)
	}

	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	s := newSession(ctx, id, args, r.adapter, emitter, r.log, r.cfg, r.remove)
	r.sessions[id] = s
	owned := r.byConn[args.ConnID]
	if owned == nil {
		owned = make(map[string]*Session)
		r.byConn[args.ConnID] = owned
	}
	owned[id] = s
	r.totalCreated.Add(1)
	if r.hooks.SessionCreated != nil {
		r.hooks.SessionCreated()
	}

	r.log.Info("session created",
		"session", id,
		"connection", args.ConnID,
		"language", args.Language,
	)
	return s, nil
}

// Get returns the session for an id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Owned returns the session only if it exists and belongs to the connection.
func (r *Registry) Owned(id, connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil || s.ConnID != connID {
		return nil
	}
	return s
}

// remove drops a terminated session from both maps. Invoked by the session's
// termination path before the container handle is released.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	_, present := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	if owned := r.byConn[s.ConnID]; owned != nil {
		delete(owned, s.ID)
		if len(owned) == 0 {
			delete(r.byConn, s.ConnID)
		}
	}
	r.mu.Unlock()

	if present {
		if r.hooks.SessionRemoved != nil {
			r.hooks.SessionRemoved()
		}
		r.log.Info("session removed", "session", s.ID, "connection", s.ConnID)
	}
}

// RemoveByConnection stops every session owned by the connection. Idempotent.
func (r *Registry) RemoveByConnection(connID, reason string) {
	r.mu.Lock()
	owned := make([]*Session, 0, len(r.byConn[connID]))
	for _, s := range r.byConn[connID] {
		owned = append(owned, s)
	}
	r.mu.Unlock()

	for _, s := range owned {
		s.Stop(reason)
	}
}

// RemoveAll stops every live session with bounded concurrency. Used on
// broker shutdown.
func (r *Registry) RemoveAll(ctx context.Context, reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(shutdownConcurrency)
	for _, s := range all {
		g.Go(func() error {
			s.Stop(reason)
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountByConnection returns how many sessions a connection owns.
func (r *Registry) CountByConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn[connID])
}

// Total returns the lifetime session count.
func (r *Registry) Total() uint64 {
	return r.totalCreated.Load()
}

// newSessionID returns a 128-bit random identifier, hex encoded.
func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
