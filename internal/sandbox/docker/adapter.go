// Package docker provides a Docker-based implementation of sandbox.Adapter.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/runbox-dev/runbox/internal/sandbox"
)

const (
	// defaultMemoryMB and defaultCPUCores bound each sandbox when the
	// options carry no explicit limits.
	defaultMemoryMB = 256
	defaultCPUCores = 0.5

	// pidsLimit caps process fan-out inside a sandbox (fork bombs).
	pidsLimit = 128
)

// Options configures the Docker adapter.
type Options struct {
	// Host overrides the Docker daemon address. Empty means the standard
	// environment (DOCKER_HOST or the default socket).
	Host string

	// Languages maps language keys to images and commands. Nil means
	// sandbox.DefaultLanguages().
	Languages map[string]sandbox.Language

	// MemoryMB and CPUCores override the per-container resource quotas.
	MemoryMB int
	CPUCores float64
}

// Adapter implements sandbox.Adapter using the Docker Engine API.
type Adapter struct {
	client    *client.Client
	languages map[string]sandbox.Language
	memoryMB  int
	cpuCores  float64

	// streams maps container ID -> attached stream, so Stop can tear the
	// stream down even when the session is gone.
	streamsMu sync.Mutex
	streams   map[string]*hijackStream
}

// New creates a Docker adapter and verifies connectivity to the daemon.
func New(opts Options) (*Adapter, error) {
	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}

	languages := opts.Languages
	if languages == nil {
		languages = sandbox.DefaultLanguages()
	}
	memoryMB := opts.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}
	cpuCores := opts.CPUCores
	if cpuCores <= 0 {
		cpuCores = defaultCPUCores
	}

	return &Adapter{
		client:    cli,
		languages: languages,
		memoryMB:  memoryMB,
		cpuCores:  cpuCores,
		streams:   make(map[string]*hijackStream),
	}, nil
}

// CreateInteractive creates, attaches and starts a PTY container for the
// given language. The container runs with no network, a read-only root
// filesystem, dropped capabilities and the nobody user.
func (a *Adapter) CreateInteractive(ctx context.Context, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error) {
	lang, ok := a.languages[language]
	if !ok {
		return sandbox.Handle{}, nil, fmt.Errorf("%w: %q", sandbox.ErrUnknownLanguage, language)
	}

	containerConfig := &containerTypes.Config{
		Image:        lang.Image,
		Cmd:          lang.Cmd,
		Env:          []string{"TERM=xterm"},
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"runbox.managed":  "true",
			"runbox.language": language,
		},
	}

	hostConfig := &containerTypes.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		Resources: containerTypes.Resources{
			Memory:    int64(a.memoryMB) * 1024 * 1024,
			NanoCPUs:  int64(a.cpuCores * 1e9),
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	// Some REPLs refuse to run as root even when sandboxed.
	containerConfig.User = "nobody"

	resp, err := a.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return sandbox.Handle{}, nil, classify(err)
	}
	handle := sandbox.Handle{ID: resp.ID, Language: language}

	// Attach before start so no early output is lost.
	attach, err := a.client.ContainerAttach(ctx, resp.ID, containerTypes.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = a.client.ContainerRemove(context.Background(), resp.ID, containerTypes.RemoveOptions{Force: true})
		return sandbox.Handle{}, nil, classify(err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		attach.Close()
		_ = a.client.ContainerRemove(context.Background(), resp.ID, containerTypes.RemoveOptions{Force: true})
		return sandbox.Handle{}, nil, classify(err)
	}

	if size.Cols > 0 && size.Rows > 0 {
		// Best effort; the container may not accept a resize yet.
		_ = a.client.ContainerResize(ctx, resp.ID, containerTypes.ResizeOptions{
			Width:  uint(size.Cols),
			Height: uint(size.Rows),
		})
	}

	stream := &hijackStream{hijacked: attach}
	a.streamsMu.Lock()
	a.streams[resp.ID] = stream
	a.streamsMu.Unlock()

	return handle, stream, nil
}

// Resize changes the container PTY dimensions.
func (a *Adapter) Resize(ctx context.Context, h sandbox.Handle, cols, rows int) error {
	err := a.client.ContainerResize(ctx, h.ID, containerTypes.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Stop stops the container: SIGTERM, then SIGKILL after the grace period.
// The attached stream is closed so session readers observe EOF.
func (a *Adapter) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	graceSeconds := int(grace.Seconds())
	err := a.client.ContainerStop(ctx, h.ID, containerTypes.StopOptions{
		Timeout: &graceSeconds,
	})

	a.streamsMu.Lock()
	stream := a.streams[h.ID]
	delete(a.streams, h.ID)
	a.streamsMu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}

	if err != nil && !client.IsErrNotFound(err) {
		return classify(err)
	}
	return nil
}

// Remove reclaims the container. Containers are created with AutoRemove, so
// a not-found response counts as success.
func (a *Adapter) Remove(ctx context.Context, h sandbox.Handle) error {
	err := a.client.ContainerRemove(ctx, h.ID, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return classify(err)
	}
	return nil
}

// Ping probes the Docker daemon.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the Docker client connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// classify maps Docker client errors onto the sandbox sentinel taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	case isPermission(err):
		return fmt.Errorf("%w: %v", sandbox.ErrPermission, err)
	case isImageMissing(err):
		return fmt.Errorf("%w: %v", sandbox.ErrImageMissing, err)
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", sandbox.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", sandbox.ErrInternal, err)
	}
}

func isPermission(err error) bool {
	if os.IsPermission(err) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission denied")
}

func isImageMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such image") ||
		strings.Contains(msg, "pull access denied") ||
		(strings.Contains(msg, "image") && strings.Contains(msg, "not found"))
}

func ptr[T any](v T) *T {
	return &v
}

// hijackStream adapts Docker's hijacked attach connection to sandbox.IOStream.
type hijackStream struct {
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (s *hijackStream) Read(p []byte) (int, error) {
	return s.hijacked.Reader.Read(p)
}

func (s *hijackStream) Write(p []byte) (int, error) {
	return s.hijacked.Conn.Write(p)
}

func (s *hijackStream) CloseWrite() error {
	return s.hijacked.CloseWrite()
}

func (s *hijackStream) Close() error {
	s.closeOnce.Do(func() {
		s.hijacked.Close()
	})
	return nil
}
