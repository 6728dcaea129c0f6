// Package mock provides an in-memory implementation of sandbox.Adapter for
// tests and local development without a container runtime.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/runbox-dev/runbox/internal/sandbox"
)

// Adapter is a scriptable sandbox adapter. Zero value behaviors create an
// in-memory PTY stream per session; individual operations can be overridden
// via the ...Func fields.
type Adapter struct {
	mu      sync.Mutex
	seq     int
	streams map[string]*Stream
	resizes map[string][]sandbox.Size
	stops   map[string]int
	removes map[string]int

	// Configurable behaviors for testing.
	CreateFunc func(ctx context.Context, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error)
	ResizeFunc func(ctx context.Context, h sandbox.Handle, cols, rows int) error
	StopFunc   func(ctx context.Context, h sandbox.Handle, grace time.Duration) error
	RemoveFunc func(ctx context.Context, h sandbox.Handle) error
	PingFunc   func(ctx context.Context) error

	// CreateErr, when set, makes every CreateInteractive fail with it.
	CreateErr error

	// CreateDelay delays CreateInteractive, honoring context cancellation.
	// Used to exercise the adapter create timeout.
	CreateDelay time.Duration
}

// New creates a mock adapter with default behavior.
func New() *Adapter {
	return &Adapter{
		streams: make(map[string]*Stream),
		resizes: make(map[string][]sandbox.Size),
		stops:   make(map[string]int),
		removes: make(map[string]int),
	}
}

// CreateInteractive creates an in-memory stream, or fails per configuration.
func (a *Adapter) CreateInteractive(ctx context.Context, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error) {
	if a.CreateFunc != nil {
		return a.CreateFunc(ctx, language, size)
	}
	if a.CreateDelay > 0 {
		select {
		case <-time.After(a.CreateDelay):
		case <-ctx.Done():
			return sandbox.Handle{}, nil, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, ctx.Err())
		}
	}
	if a.CreateErr != nil {
		return sandbox.Handle{}, nil, a.CreateErr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := fmt.Sprintf("mock-%d", a.seq)
	s := NewStream()
	a.streams[id] = s
	return sandbox.Handle{ID: id, Language: language}, s, nil
}

// Resize records the requested size.
func (a *Adapter) Resize(ctx context.Context, h sandbox.Handle, cols, rows int) error {
	if a.ResizeFunc != nil {
		return a.ResizeFunc(ctx, h, cols, rows)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resizes[h.ID] = append(a.resizes[h.ID], sandbox.Size{Cols: cols, Rows: rows})
	return nil
}

// Stop closes the stream so readers observe EOF.
func (a *Adapter) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	if a.StopFunc != nil {
		return a.StopFunc(ctx, h, grace)
	}
	a.mu.Lock()
	a.stops[h.ID]++
	s := a.streams[h.ID]
	a.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
	return nil
}

// Remove records the removal.
func (a *Adapter) Remove(ctx context.Context, h sandbox.Handle) error {
	if a.RemoveFunc != nil {
		return a.RemoveFunc(ctx, h)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removes[h.ID]++
	delete(a.streams, h.ID)
	return nil
}

// Ping succeeds unless overridden.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.PingFunc != nil {
		return a.PingFunc(ctx)
	}
	return nil
}

// Stream returns the stream created for a handle ID, or nil.
func (a *Adapter) Stream(id string) *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[id]
}

// Resizes returns the recorded resize calls for a handle ID.
func (a *Adapter) Resizes(id string) []sandbox.Size {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]sandbox.Size, len(a.resizes[id]))
	copy(out, a.resizes[id])
	return out
}

// StopCount returns how many times Stop was called for a handle ID.
func (a *Adapter) StopCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops[id]
}

// RemoveCount returns how many times Remove was called for a handle ID.
func (a *Adapter) RemoveCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removes[id]
}

// Stream is an in-memory duplex PTY stream. Output fed via FeedOutput is
// observed by Read; bytes written by the session are captured for Written.
type Stream struct {
	mu          sync.Mutex
	cond        *sync.Cond
	readBuf     bytes.Buffer
	written     bytes.Buffer
	readErr     error
	closed      bool
	writeClosed bool
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Read blocks until output is available, a read error is armed, or the
// stream is closed (io.EOF).
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.readBuf.Len() == 0 && s.readErr == nil && !s.closed {
		s.cond.Wait()
	}
	if s.readBuf.Len() > 0 {
		return s.readBuf.Read(p)
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

// Write captures session input.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.writeClosed {
		return 0, io.ErrClosedPipe
	}
	return s.written.Write(p)
}

// CloseWrite closes the input side only.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeClosed = true
	return nil
}

// Close closes both sides; pending readers observe EOF.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// FeedOutput makes data available to Read.
func (s *Stream) FeedOutput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readBuf.WriteString(data)
	s.cond.Broadcast()
}

// FailReads makes the next Read (after the buffer drains) return err.
func (s *Stream) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	s.cond.Broadcast()
}

// Written returns everything the session wrote to stdin.
func (s *Stream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}
