// Package providerevent defines the raw event sum type the Sandbox/Agent
// Session Provider streams (ProviderEvent) and the normalized effects the
// Generation Runner applies to a generation's content parts
// (NormalizedEvent). The tagged-variant shape (interface + Kind()
// discriminator + explicit "other" fallback) is grounded on
// runtime/agent/stream/stream.go's Event interface
// (Type()/RunID()/SessionID()/Payload()).
package providerevent

import "encoding/json"

// Kind discriminates a ProviderEvent's concrete type.
type Kind string

const (
	KindTextPart      Kind = "text_part"
	KindReasoningPart Kind = "reasoning_part"
	KindToolPart      Kind = "tool_part"
	KindMessageUpdated Kind = "message_updated"
	KindSessionIdle   Kind = "session_idle"
	KindSessionError  Kind = "session_error"
	KindOther         Kind = "other"
)

// ProviderEvent is the raw tagged event the Sandbox/Agent Session
// Provider's event stream produces.
type ProviderEvent interface {
	Kind() Kind
}

// TextPartEvent reports the current cumulative text of a provider text
// part (spec.md §4.5: "provider sends cumulative text per part id").
type TextPartEvent struct {
	MessageID string
	PartID    string
	FullText  string
}

func (TextPartEvent) Kind() Kind { return KindTextPart }

// ReasoningPartEvent reports the current cumulative content of a provider
// reasoning ("thinking") part.
type ReasoningPartEvent struct {
	MessageID   string
	PartID      string
	FullContent string
}

func (ReasoningPartEvent) Kind() Kind { return KindReasoningPart }

// ToolStatus is the lifecycle of a provider tool invocation.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// ToolPartEvent reports a provider tool part's current status (spec.md
// §4.5). Input/Output/Error are populated according to Status.
type ToolPartEvent struct {
	MessageID string
	ToolUseID string
	Name      string
	Status    ToolStatus
	Input     json.RawMessage
	Output    string
	Error     string
}

func (ToolPartEvent) Kind() Kind { return KindToolPart }

// MessageUpdatedEvent reports a message's role, used to build the
// per-generation message-role map (spec.md §4.5).
type MessageUpdatedEvent struct {
	MessageID string
	Role      string // "user", "assistant", "system" — provider vocabulary, not yet model.MessageRole
}

func (MessageUpdatedEvent) Kind() Kind { return KindMessageUpdated }

// SessionIdleEvent signals the provider has finished producing for this
// turn.
type SessionIdleEvent struct{}

func (SessionIdleEvent) Kind() Kind { return KindSessionIdle }

// SessionErrorEvent signals the provider session failed.
type SessionErrorEvent struct {
	Message string
}

func (SessionErrorEvent) Kind() Kind { return KindSessionError }

// OtherEvent is the explicit fallback for provider event types this
// package does not model individually — never silently dropped, always
// surfaced as a distinct variant so callers can log/ignore it
// deliberately.
type OtherEvent struct {
	EventType string
	Raw       json.RawMessage
}

func (OtherEvent) Kind() Kind { return KindOther }
