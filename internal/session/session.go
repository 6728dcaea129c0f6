// Package session implements the broker's session machinery: the per-session
// lifecycle state machine, the registry that owns all live sessions, and the
// per-connection sandbox health gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runbox-dev/runbox/internal/logger"
	"github.com/runbox-dev/runbox/internal/sandbox"
	"github.com/runbox-dev/runbox/internal/stream"
)

// Sentinel errors surfaced to the connection handler.
var (
	// ErrLimitExceeded indicates a per-connection or global session cap.
	ErrLimitExceeded = errors.New("session limit exceeded")

	// ErrSessionClosed indicates a write to a stopping or terminated session.
	ErrSessionClosed = errors.New("session closed")

	// ErrBackpressure indicates the connection's outbound queue overflowed.
	ErrBackpressure = errors.New("outbound queue overflow")
)

// State is the session lifecycle state. Transitions are monotonic:
// Creating -> Ready -> Running -> Stopping -> Terminated, with shortcuts
// Creating -> Terminated and Ready -> Stopping.
type State int

const (
	StateCreating State = iota
	StateReady
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Emitter delivers session-scoped frames to the owning connection. Ready
// precedes any Data for the same session; Exit is the last frame. Data may
// block (cooperative backpressure) and returns ErrBackpressure when the
// outbound queue budget is exhausted.
type Emitter interface {
	Ready(sessionID string)
	Data(sessionID string, chunk []byte) error
	Error(sessionID, code, message string)
	Exit(sessionID, reason string)
}

// Config carries the per-session timing and stream-processing knobs.
type Config struct {
	IdleTimeout   time.Duration // no input and no output for this long -> stop
	MaxLifetime   time.Duration // wallclock cap
	CreateTimeout time.Duration // adapter CreateInteractive deadline
	StopGrace     time.Duration // SIGTERM -> SIGKILL grace passed to the adapter
	Stream        stream.Config
}

// Timeouts for adapter calls other than create. These are fixed; only the
// create deadline is configurable.
const (
	resizeTimeout = 2 * time.Second
	stopTimeout   = 5 * time.Second
	removeTimeout = 5 * time.Second

	// readerDrainTimeout bounds how long Stop waits for the reader to
	// observe EOF after the adapter stop before force-closing the stream.
	readerDrainTimeout = 2 * time.Second

	// idleCheckInterval is the idle-timeout polling granularity.
	idleCheckInterval = time.Second
)

// Session owns one PTY-attached container: its state machine, reader
// goroutine, timers and cleanup. All frames flow through the Emitter.
type Session struct {
	ID        string
	ConnID    string
	ProjectID string
	UserID    string
	Language  string
	CreatedAt time.Time

	adapter sandbox.Adapter
	emitter Emitter
	log     *logger.Logger
	cfg     Config

	mu          sync.Mutex
	state       State
	handle      sandbox.Handle
	stream      sandbox.IOStream
	cols, rows  int
	pendingSize *sandbox.Size
	stopReason  string

	writeMu sync.Mutex // serializes stdin writes

	lastActivity atomic.Int64 // unix nanos
	emitDone     atomic.Bool  // set once Exit has been emitted
	exitOnce     sync.Once

	Stats stream.Stats
	proc  *stream.Processor

	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	done       chan struct{}

	// onTerminated removes the session from the registry maps. Called
	// exactly once, before the container handle is released.
	onTerminated func(*Session)
}

// newSession is called by the registry with the session already inserted in
// its maps.
func newSession(parent context.Context, id string, args CreateArgs, adapter sandbox.Adapter, emitter Emitter, log *logger.Logger, cfg Config, onTerminated func(*Session)) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:           id,
		ConnID:       args.ConnID,
		ProjectID:    args.ProjectID,
		UserID:       args.UserID,
		Language:     args.Language,
		CreatedAt:    time.Now(),
		adapter:      adapter,
		emitter:      emitter,
		log:          log,
		cfg:          cfg,
		state:        StateCreating,
		cols:         80,
		rows:         24,
		ctx:          ctx,
		cancel:       cancel,
		readerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		onTerminated: onTerminated,
	}
	if args.Cols > 0 && args.Rows > 0 {
		s.cols, s.rows = args.Cols, args.Rows
	}
	s.lastActivity.Store(time.Now().UnixNano())
	s.proc = stream.New(cfg.Stream, &s.Stats, func(chunk []byte) error {
		if s.emitDone.Load() {
			return nil
		}
		return s.emitter.Data(s.ID, chunk)
	})
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the last applied PTY size.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Done is closed when the session reaches Terminated and cleanup finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start calls the adapter to create the PTY container. On success it
// transitions to Ready, emits ready, and spawns the reader and timeout
// goroutines. On failure it transitions straight to Terminated and returns
// the classified error; the caller owns the outbound error frame and the
// health-gate bookkeeping.
func (s *Session) Start() error {
	s.mu.Lock()
	size := sandbox.Size{Cols: s.cols, Rows: s.rows}
	if s.pendingSize != nil {
		size = *s.pendingSize
	}
	s.mu.Unlock()

	createCtx, cancel := context.WithTimeout(s.ctx, s.cfg.CreateTimeout)
	defer cancel()
	handle, ioStream, err := s.adapter.CreateInteractive(createCtx, s.Language, size)
	if err != nil {
		if errors.Is(createCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: create timed out after %s", sandbox.ErrUnavailable, s.cfg.CreateTimeout)
		}
		s.terminateFromCreating()
		return err
	}

	s.mu.Lock()
	if s.state != StateCreating || s.ctx.Err() != nil {
		// Stop raced creation (connection closed). Release and bail.
		s.mu.Unlock()
		ioStream.Close()
		s.releaseContainer(handle)
		s.terminateFromCreating()
		return fmt.Errorf("%w: session stopped during creation", ErrSessionClosed)
	}
	s.handle = handle
	s.stream = ioStream
	if s.pendingSize != nil {
		s.cols, s.rows = s.pendingSize.Cols, s.pendingSize.Rows
		s.pendingSize = nil
	}
	s.state = StateReady
	s.mu.Unlock()

	s.emitter.Ready(s.ID)
	go s.run()
	go s.watchTimeouts()
	return nil
}

// Write validates nothing (the handler already has); it forwards input bytes
// to the sandbox stdin. Empty input is a no-op and does not reset the idle
// timer. A closed-pipe write error terminates the session.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.state = StateRunning
	case StateRunning:
	default:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ioStream := s.stream
	s.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	s.lastActivity.Store(time.Now().UnixNano())

	s.writeMu.Lock()
	_, err := ioStream.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			go s.Stop("Terminal stream closed")
			return ErrSessionClosed
		}
		return fmt.Errorf("stdin write failed: %w", err)
	}
	return nil
}

// Resize updates the stored size and applies it to the adapter best-effort.
// Before Ready the size is queued and applied on the transition to Ready.
func (s *Session) Resize(cols, rows int) {
	s.mu.Lock()
	if s.state == StateCreating {
		s.pendingSize = &sandbox.Size{Cols: cols, Rows: rows}
		s.mu.Unlock()
		return
	}
	if s.state == StateStopping || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.cols, s.rows = cols, rows
	handle := s.handle
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resizeTimeout)
	defer cancel()
	if err := s.adapter.Resize(ctx, handle, cols, rows); err != nil {
		// Non-fatal; the stored size is authoritative either way.
		s.log.Warn("pty resize failed", "session", s.ID, "error", err)
	}
}

// Stop drives the termination path: Stopping, close stdin, adapter stop,
// wait for the reader to drain, emit exit, Terminated, release. Idempotent;
// only the first caller advances the state, later calls return immediately.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	switch s.state {
	case StateStopping, StateTerminated:
		s.mu.Unlock()
		return
	case StateCreating:
		// Creation still in flight: cancel so Start aborts and cleans up.
		s.stopReason = reason
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.state = StateStopping
	s.stopReason = reason
	ioStream := s.stream
	handle := s.handle
	s.mu.Unlock()

	_ = ioStream.CloseWrite()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	if err := s.adapter.Stop(stopCtx, handle, s.cfg.StopGrace); err != nil {
		s.log.Warn("sandbox stop failed", "session", s.ID, "error", err)
	}
	cancel()

	// Wait for the reader to observe EOF; force the stream closed if the
	// runtime did not tear it down within the drain window.
	select {
	case <-s.readerDone:
	case <-time.After(readerDrainTimeout):
		_ = ioStream.Close()
		<-s.readerDone
	}

	s.finish(reason, handle)
}

// run is the reader goroutine: sandbox stream -> processor -> data frames.
// It owns the processor. On EOF or error it triggers the termination path.
func (s *Session) run() {
	reason := "Terminal stream closed"
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			s.lastActivity.Store(time.Now().UnixNano())
			s.toRunning()
			if perr := s.pushOutput(buf[:n]); perr != nil {
				reason = "output backpressure"
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.State() < StateStopping && !s.emitDone.Load() {
				s.emitter.Error(s.ID, "INTERNAL", "Terminal stream error: "+err.Error())
			}
			break
		}
	}
	close(s.readerDone)
	s.Stop(reason)
}

// pushOutput feeds the processor and reports backpressure. The emitted error
// frame precedes the exit frame produced by the Stop path.
func (s *Session) pushOutput(b []byte) error {
	err := s.proc.Push(b)
	if err == nil {
		err = s.proc.Flush()
	}
	if err != nil {
		s.Stats.Errors.Add(1)
		if !s.emitDone.Load() {
			s.emitter.Error(s.ID, "OUTBOUND_BACKPRESSURE", "client too slow; closing session")
		}
	}
	return err
}

func (s *Session) toRunning() {
	s.mu.Lock()
	if s.state == StateReady {
		s.state = StateRunning
	}
	s.mu.Unlock()
}

// watchTimeouts enforces the idle and wallclock limits.
func (s *Session) watchTimeouts() {
	lifetime := time.NewTimer(s.cfg.MaxLifetime)
	defer lifetime.Stop()
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-lifetime.C:
			s.Stop("lifetime exceeded")
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) >= s.cfg.IdleTimeout {
				s.Stop("idle timeout")
				return
			}
		}
	}
}

// finish emits the terminal frame, transitions to Terminated, removes the
// session from the registry and releases the container.
func (s *Session) finish(reason string, handle sandbox.Handle) {
	s.exitOnce.Do(func() {
		// End flushes held processor state (pending CR, partial codepoint)
		// before the exit frame. Safe here: the reader goroutine is done.
		_ = s.proc.End()
		s.emitDone.Store(true)
		s.emitter.Exit(s.ID, reason)

		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()

		if s.onTerminated != nil {
			s.onTerminated(s)
		}
		s.releaseContainer(handle)
		s.cancel()
		close(s.done)
	})
}

// terminateFromCreating handles the Creating -> Terminated shortcut. No exit
// frame is emitted: the session never became visible as ready.
func (s *Session) terminateFromCreating() {
	s.exitOnce.Do(func() {
		s.emitDone.Store(true)
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		if s.onTerminated != nil {
			s.onTerminated(s)
		}
		s.cancel()
		close(s.done)
	})
}

func (s *Session) releaseContainer(handle sandbox.Handle) {
	if handle.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := s.adapter.Remove(ctx, handle); err != nil {
		s.log.Warn("sandbox remove failed", "session", s.ID, "error", err)
	}
}
