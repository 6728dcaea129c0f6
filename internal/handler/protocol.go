package handler

import "encoding/json"

// Event names on the websocket transport. Inbound events are client->server;
// outbound events are server->client.
const (
	EventStart  = "terminal:start"
	EventInput  = "terminal:input"
	EventResize = "terminal:resize"
	EventStop   = "terminal:stop"

	EventReady = "terminal:ready"
	EventData  = "terminal:data"
	EventExit  = "terminal:exit"
	EventError = "terminal:error"
)

// Error codes surfaced in terminal:error frames.
const (
	CodeDockerUnavailable  = "DOCKER_UNAVAILABLE"
	CodeDockerRateLimited  = "DOCKER_RATE_LIMITED"
	CodeDockerImageMissing = "DOCKER_IMAGE_MISSING"
	CodeEPerm              = "EPERM"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionClosed      = "SESSION_CLOSED"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeLimitExceeded      = "LIMIT_EXCEEDED"
	CodeBackpressure       = "OUTBOUND_BACKPRESSURE"
	CodeInternal           = "INTERNAL"
)

// Frame is the wire envelope: one JSON message per event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartRequest is the payload of terminal:start.
type StartRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Language  string `json:"language"`
}

// InputRequest is the payload of terminal:input. Data is either a JSON
// string or an array of byte values; see DecodeInput.
type InputRequest struct {
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// ResizeRequest is the payload of terminal:resize.
type ResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// StopRequest is the payload of terminal:stop.
type StopRequest struct {
	SessionID string `json:"sessionId"`
}

// ReadyEvent is the payload of terminal:ready.
type ReadyEvent struct {
	SessionID string `json:"sessionId"`
}

// DataEvent is the payload of terminal:data.
type DataEvent struct {
	SessionID string `json:"sessionId"`
	Chunk     string `json:"chunk"`
}

// ExitEvent is the payload of terminal:exit, the last frame of a session.
type ExitEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Code      *int   `json:"code,omitempty"`
}

// ErrorEvent is the payload of terminal:error.
type ErrorEvent struct {
	SessionID           string   `json:"sessionId,omitempty"`
	Code                string   `json:"code"`
	Message             string   `json:"message"`
	FailureCount        int      `json:"failureCount,omitempty"`
	BackoffSeconds      int      `json:"backoffSeconds,omitempty"`
	RetryAfter          int      `json:"retryAfter,omitempty"`
	IsRetryable         bool     `json:"isRetryable,omitempty"`
	RecoverySuggestions []string `json:"recoverySuggestions,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
