package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/runbox-dev/runbox/internal/sandbox"
	"github.com/runbox-dev/runbox/internal/session"
)

const (
	// outboundSlots sizes the outbound frame channel. The byte budget is the
	// real limit; the slot count just needs to exceed budget/chunk.
	outboundSlots = 512

	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is enforced by the CORS middleware; the
		// websocket endpoint accepts any origin that reached it.
		return true
	},
}

var unavailableSuggestions = []string{
	"Ensure the Docker daemon is running",
	"Check that DOCKER_HOST points at a reachable daemon",
	"Restart Docker Desktop if the daemon is wedged",
}

var permissionSuggestions = []string{
	"Verify the broker user can access the Docker socket",
	"Add the user to the docker group or adjust socket permissions",
}

// outMsg is one queued outbound frame. budget is the number of payload bytes
// charged against the connection's queue budget (zero for control frames).
type outMsg struct {
	frame  []byte
	budget int
}

// conn is one websocket client connection. It owns the outbound writer
// goroutine and implements session.Emitter for every session it starts.
type conn struct {
	id string
	ws *websocket.Conn
	h  *Handler

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan outMsg
	queued   atomic.Int64
}

// Terminal upgrades the request and services the connection until the client
// disconnects. All sessions owned by the connection are stopped on exit.
func (h *Handler) Terminal(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		id:       uuid.New().String(),
		ws:       ws,
		h:        h,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan outMsg, outboundSlots),
	}

	h.metrics.Connections.Inc()
	h.log.Info("terminal connection opened", "connection", c.id, "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()

	cancel()
	h.registry.RemoveByConnection(c.id, "connection closed")
	h.gate.Reset(c.id)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.Close()
	h.metrics.Connections.Dec()
	h.log.Info("terminal connection closed", "connection", c.id)
}

// readLoop dispatches inbound frames until the socket errors or closes.
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.h.log.Warn("websocket read failed", "connection", c.id, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", CodeInvalidInput, "malformed frame: "+err.Error())
			continue
		}

		switch frame.Event {
		case EventStart:
			c.handleStart(frame.Data)
		case EventInput:
			c.handleInput(frame.Data)
		case EventResize:
			c.handleResize(frame.Data)
		case EventStop:
			c.handleStop(frame.Data)
		default:
			c.sendError("", CodeInvalidInput, "unknown event "+frame.Event)
		}
	}
}

// writeLoop drains the outbound queue onto the socket. A write failure
// cancels the connection context, which unblocks queued senders.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, msg.frame)
			if msg.budget > 0 {
				c.queued.Add(int64(-msg.budget))
			}
			if err != nil {
				c.h.log.Warn("websocket write failed", "connection", c.id, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) handleStart(raw json.RawMessage) {
	var req StartRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("", CodeInvalidInput, "malformed start request: "+err.Error())
		return
	}
	if req.Language == "" {
		c.sendError("", CodeInvalidInput, "language is required")
		return
	}
	if _, ok := c.h.cfg.Languages[req.Language]; !ok {
		c.sendError("", CodeInvalidInput, "unknown language "+req.Language)
		return
	}

	if retryAfter, ok := c.h.gate.Admit(c.id); !ok {
		c.h.metrics.RateLimited.Inc()
		c.send(EventError, ErrorEvent{
			Code:       CodeDockerRateLimited,
			Message:    "sandbox starts are rate limited after repeated failures",
			RetryAfter: int((retryAfter + time.Second - 1) / time.Second),
		}, 0)
		return
	}

	sess, err := c.h.registry.Create(c.ctx, session.CreateArgs{
		ConnID:    c.id,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Language:  req.Language,
	}, c)
	if err != nil {
		if errors.Is(err, session.ErrLimitExceeded) {
			c.sendError("", CodeLimitExceeded, err.Error())
		} else {
			c.sendError("", CodeInternal, "failed to create session: "+err.Error())
		}
		return
	}
	c.h.metrics.SessionsTotal.Inc()

	// Creation can block on the container runtime, so it runs off the read
	// loop. The ready frame comes from the session itself.
	go func() {
		if err := sess.Start(); err != nil {
			c.startFailed(sess.ID, err)
			return
		}
		c.h.gate.OnSuccess(c.id)
	}()
}

// startFailed maps a sandbox start error to an error frame and records it
// with the backoff gate when the failure counts against sandbox health.
func (c *conn) startFailed(sessionID string, err error) {
	if errors.Is(err, session.ErrSessionClosed) || c.ctx.Err() != nil {
		// The connection went away while the container was coming up;
		// nobody is listening for a frame.
		return
	}

	ev := ErrorEvent{SessionID: sessionID, Code: CodeInternal, Message: err.Error()}
	switch {
	case errors.Is(err, sandbox.ErrUnavailable):
		ev.Code = CodeDockerUnavailable
	case errors.Is(err, sandbox.ErrPermission):
		ev.Code = CodeEPerm
	case errors.Is(err, sandbox.ErrImageMissing):
		ev.Code = CodeDockerImageMissing
	case errors.Is(err, sandbox.ErrUnknownLanguage):
		ev.Code = CodeInvalidInput
	}

	if sandbox.IsStartFailure(err) {
		failures, backoff, firstNotice := c.h.gate.OnFailure(c.id)
		ev.FailureCount = failures
		ev.BackoffSeconds = backoff
		ev.IsRetryable = true
		if firstNotice {
			switch ev.Code {
			case CodeEPerm:
				ev.RecoverySuggestions = permissionSuggestions
			case CodeDockerImageMissing:
				ev.RecoverySuggestions = []string{"Pull the sandbox image for the requested language"}
			default:
				ev.RecoverySuggestions = unavailableSuggestions
			}
		}
	}

	c.h.metrics.SandboxFailures.WithLabelValues(ev.Code).Inc()
	c.h.log.Warn("sandbox start failed",
		"connection", c.id,
		"session", sessionID,
		"code", ev.Code,
		"error", err,
	)
	c.send(EventError, ev, 0)
}

func (c *conn) handleInput(raw json.RawMessage) {
	var req InputRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("", CodeInvalidInput, "malformed input request: "+err.Error())
		return
	}
	sess := c.h.registry.Owned(req.SessionID, c.id)
	if sess == nil {
		c.sendError(req.SessionID, CodeSessionNotFound, "unknown session "+req.SessionID)
		return
	}

	data, err := DecodeInput(req.Data, c.h.cfg.MaxInputBytes)
	if err != nil {
		c.sendError(req.SessionID, CodeInvalidInput, err.Error())
		return
	}

	if err := sess.Write(data); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			c.sendError(req.SessionID, CodeSessionClosed, "session is no longer accepting input")
		} else {
			c.sendError(req.SessionID, CodeInternal, err.Error())
		}
		return
	}
	c.h.metrics.BytesIn.Add(float64(len(data)))
}

func (c *conn) handleResize(raw json.RawMessage) {
	var req ResizeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("", CodeInvalidInput, "malformed resize request: "+err.Error())
		return
	}
	if req.Cols < 1 || req.Cols > 1000 || req.Rows < 1 || req.Rows > 1000 {
		c.sendError(req.SessionID, CodeInvalidInput, "cols and rows must be between 1 and 1000")
		return
	}
	sess := c.h.registry.Owned(req.SessionID, c.id)
	if sess == nil {
		c.sendError(req.SessionID, CodeSessionNotFound, "unknown session "+req.SessionID)
		return
	}
	sess.Resize(req.Cols, req.Rows)
}

func (c *conn) handleStop(raw json.RawMessage) {
	var req StopRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("", CodeInvalidInput, "malformed stop request: "+err.Error())
		return
	}
	sess := c.h.registry.Owned(req.SessionID, c.id)
	if sess == nil {
		c.sendError(req.SessionID, CodeSessionNotFound, "unknown session "+req.SessionID)
		return
	}
	// Stop blocks on the container runtime; keep the read loop responsive.
	go sess.Stop("user requested")
}

// Ready implements session.Emitter.
func (c *conn) Ready(sessionID string) {
	c.send(EventReady, ReadyEvent{SessionID: sessionID}, 0)
}

// Data implements session.Emitter. The chunk's size is charged against the
// connection's outbound budget; overflow reports backpressure to the session.
func (c *conn) Data(sessionID string, chunk []byte) error {
	if c.queued.Add(int64(len(chunk))) > int64(c.h.cfg.MaxOutboundQueueBytes) {
		c.queued.Add(int64(-len(chunk)))
		return session.ErrBackpressure
	}
	if err := c.send(EventData, DataEvent{SessionID: sessionID, Chunk: string(chunk)}, len(chunk)); err != nil {
		return err
	}
	c.h.metrics.BytesOut.Add(float64(len(chunk)))
	c.h.metrics.ChunksOut.Inc()
	return nil
}

// Error implements session.Emitter.
func (c *conn) Error(sessionID, code, message string) {
	c.sendError(sessionID, code, message)
}

// Exit implements session.Emitter.
func (c *conn) Exit(sessionID, reason string) {
	c.send(EventExit, ExitEvent{SessionID: sessionID, Reason: reason}, 0)
}

func (c *conn) sendError(sessionID, code, message string) {
	c.send(EventError, ErrorEvent{SessionID: sessionID, Code: code, Message: message}, 0)
}

// send marshals and queues one frame. budget > 0 means the caller already
// reserved that many bytes against the queue budget; the writer releases the
// reservation after the frame hits the socket.
func (c *conn) send(event string, payload any, budget int) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		if budget > 0 {
			c.queued.Add(int64(-budget))
		}
		c.h.log.Error("failed to encode frame", "connection", c.id, "event", event, "error", err)
		return err
	}
	select {
	case c.outbound <- outMsg{frame: frame, budget: budget}:
		return nil
	case <-c.ctx.Done():
		if budget > 0 {
			c.queued.Add(int64(-budget))
		}
		return session.ErrBackpressure
	}
}
