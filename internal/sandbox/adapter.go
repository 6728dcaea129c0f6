// Package sandbox provides an abstraction for isolated code execution
// environments. The broker depends only on the Adapter interface; the
// concrete runtime (Docker, or a mock for tests) lives in a subpackage.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Adapter abstracts the container runtime. Each session gets one dedicated
// PTY-attached container, managed through this interface.
//
// CreateInteractive must be safe to call concurrently; the adapter owns its
// own connection pooling to the runtime.
type Adapter interface {
	// CreateInteractive creates and starts a PTY-attached container for the
	// given language and returns a handle plus the full-duplex byte stream.
	// stdout and stderr arrive combined on the stream, as is standard for
	// TTY-attached containers.
	//
	// Fails with one of ErrUnavailable, ErrPermission, ErrImageMissing or
	// ErrInternal (wrapped).
	CreateInteractive(ctx context.Context, language string, size Size) (Handle, IOStream, error)

	// Resize changes the PTY dimensions. Best effort; errors are non-fatal
	// to the session.
	Resize(ctx context.Context, h Handle, cols, rows int) error

	// Stop stops the container gracefully: SIGTERM, then SIGKILL after the
	// grace period.
	Stop(ctx context.Context, h Handle, grace time.Duration) error

	// Remove reclaims the container's resources.
	Remove(ctx context.Context, h Handle) error

	// Ping is a health probe with no side effects.
	Ping(ctx context.Context) error
}

// Handle identifies a container created by an Adapter.
type Handle struct {
	ID       string // runtime-specific container ID
	Language string // language key the container was created for
}

// Size is a PTY size hint in character cells.
type Size struct {
	Cols int
	Rows int
}

// IOStream is the full-duplex byte stream of a PTY-attached container.
// Writes are not guaranteed atomic above one byte; callers must serialize
// writes per stream.
type IOStream interface {
	io.Reader
	io.Writer

	// CloseWrite closes the write side (container stdin) while leaving the
	// read side open so remaining output can drain.
	CloseWrite() error

	// Close tears down both directions.
	Close() error
}
