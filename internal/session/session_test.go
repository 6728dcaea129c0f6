package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runbox-dev/runbox/internal/logger"
	"github.com/runbox-dev/runbox/internal/sandbox"
	"github.com/runbox-dev/runbox/internal/sandbox/mock"
	"github.com/runbox-dev/runbox/internal/stream"
)

// testEmitter records frames on buffered channels so tests can wait on them.
type testEmitter struct {
	readyCh  chan string
	dataCh   chan string
	errCh    chan string
	exitCh   chan string
	failData atomic.Bool
}

func newTestEmitter() *testEmitter {
	return &testEmitter{
		readyCh: make(chan string, 8),
		dataCh:  make(chan string, 256),
		errCh:   make(chan string, 8),
		exitCh:  make(chan string, 8),
	}
}

func (e *testEmitter) Ready(id string) { e.readyCh <- id }

func (e *testEmitter) Data(id string, chunk []byte) error {
	if e.failData.Load() {
		return ErrBackpressure
	}
	e.dataCh <- string(chunk)
	return nil
}

func (e *testEmitter) Error(id, code, msg string) { e.errCh <- code }

func (e *testEmitter) Exit(id, reason string) { e.exitCh <- reason }

func testConfig() Config {
	return Config{
		IdleTimeout:   time.Hour,
		MaxLifetime:   time.Hour,
		CreateTimeout: 2 * time.Second,
		StopGrace:     time.Second,
		Stream:        stream.DefaultConfig(),
	}
}

func newTestRegistry(adapter sandbox.Adapter, cfg Config, maxPerConn, maxGlobal int) *Registry {
	return NewRegistry(adapter, logger.Nop(), cfg, maxPerConn, maxGlobal, Hooks{})
}

func waitRecv(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session termination")
	}
}

func startSession(t *testing.T, adapter *mock.Adapter, r *Registry, em *testEmitter, connID string) *Session {
	t.Helper()
	s, err := r.Create(context.Background(), CreateArgs{
		ConnID:   connID,
		Language: "python",
		Cols:     80,
		Rows:     24,
	}, em)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := waitRecv(t, em.readyCh, "ready frame"); got != s.ID {
		t.Fatalf("ready for session %q, want %q", got, s.ID)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()

	s := startSession(t, adapter, r, em, "conn-1")
	if s.State() != StateReady {
		t.Fatalf("state after start = %v, want ready", s.State())
	}

	ms := adapter.Stream("mock-1")
	if ms == nil {
		t.Fatal("mock stream not created")
	}

	// Output flows through normalization into data frames.
	ms.FeedOutput("hello\r\nworld\n")
	var got strings.Builder
	for got.String() != "hello\nworld\n" {
		got.WriteString(waitRecv(t, em.dataCh, "data frame"))
	}

	if err := s.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ms.Written() != "ls\n" {
		t.Errorf("stdin = %q, want %q", ms.Written(), "ls\n")
	}
	if s.State() != StateRunning {
		t.Errorf("state after input = %v, want running", s.State())
	}

	s.Stop("test teardown")
	if reason := waitRecv(t, em.exitCh, "exit frame"); reason != "test teardown" {
		t.Errorf("exit reason = %q, want %q", reason, "test teardown")
	}
	waitDone(t, s)

	if s.State() != StateTerminated {
		t.Errorf("state after stop = %v, want terminated", s.State())
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d sessions", r.Len())
	}
	if adapter.RemoveCount("mock-1") != 1 {
		t.Errorf("container removed %d times, want 1", adapter.RemoveCount("mock-1"))
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop("first")
		}()
	}
	wg.Wait()
	waitDone(t, s)

	waitRecv(t, em.exitCh, "exit frame")
	select {
	case reason := <-em.exitCh:
		t.Fatalf("second exit frame emitted: %q", reason)
	default:
	}
	if adapter.RemoveCount("mock-1") != 1 {
		t.Errorf("container removed %d times, want 1", adapter.RemoveCount("mock-1"))
	}
}

func TestSessionResizeBeforeReady(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()

	s, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "go", Cols: 80, Rows: 24}, em)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Resize lands while the session is still Creating: the size must be
	// queued and used as the initial PTY geometry.
	s.Resize(120, 40)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRecv(t, em.readyCh, "ready frame")

	if cols, rows := s.Size(); cols != 120 || rows != 40 {
		t.Errorf("size = %dx%d, want 120x40", cols, rows)
	}
	s.Stop("done")
	waitDone(t, s)
}

func TestSessionWriteAfterStop(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	s.Stop("done")
	waitDone(t, s)

	if err := s.Write([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Write after stop = %v, want ErrSessionClosed", err)
	}
}

func TestSessionCreateFailure(t *testing.T) {
	adapter := mock.New()
	adapter.CreateErr = sandbox.ErrUnavailable
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()

	s, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Start(); !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("Start = %v, want ErrUnavailable", err)
	}

	waitDone(t, s)
	if s.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", s.State())
	}
	// The session never reached ready, so no exit frame is owed.
	select {
	case reason := <-em.exitCh:
		t.Errorf("unexpected exit frame: %q", reason)
	default:
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d sessions", r.Len())
	}
}

func TestSessionCreateTimeout(t *testing.T) {
	adapter := mock.New()
	adapter.CreateDelay = 10 * time.Second
	cfg := testConfig()
	cfg.CreateTimeout = 50 * time.Millisecond
	r := newTestRegistry(adapter, cfg, 5, 10)
	em := newTestEmitter()

	s, err := r.Create(context.Background(), CreateArgs{ConnID: "conn-1", Language: "python"}, em)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	start := time.Now()
	if err := s.Start(); !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("Start = %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Start took %v, want ~50ms", elapsed)
	}
	waitDone(t, s)
}

func TestSessionStreamEOFTerminates(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	// Container process exits: the attached stream returns EOF.
	adapter.Stream("mock-1").Close()

	waitRecv(t, em.exitCh, "exit frame")
	waitDone(t, s)
	if s.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", s.State())
	}
}

func TestSessionStreamErrorEmitsErrorBeforeExit(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	adapter.Stream("mock-1").FailReads(errors.New("connection reset"))

	if code := waitRecv(t, em.errCh, "error frame"); code != "INTERNAL" {
		t.Errorf("error code = %q, want INTERNAL", code)
	}
	waitRecv(t, em.exitCh, "exit frame")
	waitDone(t, s)
}

func TestSessionBackpressureTerminates(t *testing.T) {
	adapter := mock.New()
	r := newTestRegistry(adapter, testConfig(), 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	em.failData.Store(true)
	adapter.Stream("mock-1").FeedOutput("overflow\n")

	if code := waitRecv(t, em.errCh, "error frame"); code != "OUTBOUND_BACKPRESSURE" {
		t.Errorf("error code = %q, want OUTBOUND_BACKPRESSURE", code)
	}
	if reason := waitRecv(t, em.exitCh, "exit frame"); reason != "output backpressure" {
		t.Errorf("exit reason = %q, want %q", reason, "output backpressure")
	}
	waitDone(t, s)
}

func TestSessionLifetimeLimit(t *testing.T) {
	adapter := mock.New()
	cfg := testConfig()
	cfg.MaxLifetime = 50 * time.Millisecond
	r := newTestRegistry(adapter, cfg, 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	if reason := waitRecv(t, em.exitCh, "exit frame"); reason != "lifetime exceeded" {
		t.Errorf("exit reason = %q, want %q", reason, "lifetime exceeded")
	}
	waitDone(t, s)
}

func TestSessionIdleTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("idle polling runs on a one second tick")
	}
	adapter := mock.New()
	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	r := newTestRegistry(adapter, cfg, 5, 10)
	em := newTestEmitter()
	s := startSession(t, adapter, r, em, "conn-1")

	if reason := waitRecv(t, em.exitCh, "exit frame"); reason != "idle timeout" {
		t.Errorf("exit reason = %q, want %q", reason, "idle timeout")
	}
	waitDone(t, s)
}
