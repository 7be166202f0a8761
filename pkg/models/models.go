// Package models defines the domain models shared by every channel of the gateway.
package models

import (
	"time"
)

// Channel identifies the protocol surface a request arrived on.
type Channel string

const (
	ChannelAPI  Channel = "api"
	ChannelCLI  Channel = "cli"
	ChannelTool Channel = "tool"
)

// Kind classifies a gateway error. Every error surfaced to a channel adapter
// carries exactly one Kind; adapters map kinds to transport status signaling.
type Kind string

const (
	KindMalformedInput     Kind = "MalformedInput"
	KindInputTooLarge      Kind = "InputTooLarge"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindUnauthorized       Kind = "Unauthorized"
	KindRateLimited        Kind = "RateLimited"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindWorkflowNotFound   Kind = "WorkflowNotFound"
	KindExecutionError     Kind = "ExecutionError"
	KindTimeout            Kind = "Timeout"
	KindSessionExpired     Kind = "SessionExpired"
)

// ErrorRecord is the single error shape crossing the dispatcher/adapter
// boundary. Only Kind and Message may be exposed to callers.
type ErrorRecord struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// RetryAfter is advisory; set only by admission stages that can predict
	// when the caller may try again. Never serialized into response bodies.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface so an ErrorRecord can travel through
// code paths that expect one.
func (e *ErrorRecord) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewError builds an ErrorRecord for the given kind.
func NewError(kind Kind, message string) *ErrorRecord {
	return &ErrorRecord{Kind: kind, Message: message}
}

// ParameterSpec declares one parameter of a workflow: its name, a loose type
// tag (string, number, boolean, object, array), whether callers must supply
// it, and an optional default merged in when they don't.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// WorkflowHandle represents one registered workflow. Handles are immutable
// after registration; re-registering a name replaces the handle atomically.
type WorkflowHandle struct {
	Name       string          `json:"name"`
	Parameters []ParameterSpec `json:"parameters"`
	Visibility []Channel       `json:"visibility"`
	CreatedAt  time.Time       `json:"created_at"`
}

// VisibleTo reports whether the handle may be invoked from the given channel.
// An empty visibility list means visible everywhere.
func (h *WorkflowHandle) VisibleTo(ch Channel) bool {
	if len(h.Visibility) == 0 {
		return true
	}
	for _, v := range h.Visibility {
		if v == ch {
			return true
		}
	}
	return false
}

// Session is the server-held continuity record letting state persist across
// dispatch calls, possibly across channels. Owned by the session store; the
// dispatcher only ever holds a transient copy.
type Session struct {
	ID                 string         `json:"id"`
	OriginatingChannel Channel        `json:"originating_channel"`
	CreatedAt          time.Time      `json:"created_at"`
	LastActivityAt     time.Time      `json:"last_activity_at"`
	ExpiresAt          time.Time      `json:"expires_at"`
	State              map[string]any `json:"state"`
	// Metadata stores caller-provided labels fixed at creation time.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session is logically dead at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CloneState returns a shallow copy of the state bag so callers can mutate
// without touching the stored session.
func (s *Session) CloneState() map[string]any {
	out := make(map[string]any, len(s.State))
	for k, v := range s.State {
		out[k] = v
	}
	return out
}

// DispatchRequest is the canonical form every channel adapter reduces its
// transport input to. It lives for the duration of one dispatch call.
type DispatchRequest struct {
	Workflow   string
	Parameters *ParameterSet
	SessionID  string
	Channel    Channel
	Principal  string
	Credential string
}

// DispatchResult is the canonical outcome of one dispatch call. Admission
// denials and execution failures both arrive in this shape so adapters have a
// single error-handling path.
type DispatchResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *ErrorRecord   `json:"error,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	// SessionExpired marks the soft condition where a supplied session id was
	// unknown or expired and the dispatch proceeded without session state.
	SessionExpired bool          `json:"session_expired,omitempty"`
	Duration       time.Duration `json:"-"`
}

// AdmissionDecision is produced by each admission stage. The pipeline stops
// at the first decision with Allow=false.
type AdmissionDecision struct {
	Allow      bool
	Stage      string
	Reason     Kind
	Message    string
	RetryAfter time.Duration
}

// Allowed is the decision every stage returns on the happy path.
func Allowed(stage string) AdmissionDecision {
	return AdmissionDecision{Allow: true, Stage: stage}
}

// Denied builds a short-circuiting decision for the given stage and kind.
func Denied(stage string, reason Kind, message string) AdmissionDecision {
	return AdmissionDecision{Stage: stage, Reason: reason, Message: message}
}

// ErrorRecord converts a denial into the error shape returned to the caller.
func (d AdmissionDecision) ErrorRecord() *ErrorRecord {
	return &ErrorRecord{Kind: d.Reason, Message: d.Message, RetryAfter: d.RetryAfter}
}
