package llm

import (
	"encoding/json"
	"fmt"
)

// EventType names one kind of streaming event. Every provider adapter
// translates its native stream into this vocabulary.
type EventType string

const (
	EventTextDelta       EventType = "text-delta"
	EventReasoningDelta  EventType = "reasoning-delta"
	EventToolInputStart  EventType = "tool-input-start"
	EventToolCall        EventType = "tool-call"
	EventToolResult      EventType = "tool-result"
	EventToolError       EventType = "tool-error"
	EventToolProgress    EventType = "tool-progress"
	EventApprovalRequest EventType = "tool-approval-request"
	EventFinishStep      EventType = "finish-step"
	EventError           EventType = "error"
	EventAbort           EventType = "abort"
)

// Event is one element of a provider stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// Text holds the delta for text and reasoning events and the error
	// message for tool-error events.
	Text string

	ToolName   string
	ToolCallID string
	Input      json.RawMessage
	Output     json.RawMessage

	// SubSteps is the full current list of nested steps of a sub-agent tool
	// call, carried by tool-progress events.
	SubSteps []SubStep

	Approval *ApprovalRequest
	Usage    Usage
	Err      error
}

func (e Event) String() string {
	switch e.Type {
	case EventTextDelta, EventReasoningDelta:
		return fmt.Sprintf("%s(%q)", e.Type, e.Text)
	case EventError:
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	case EventFinishStep:
		return fmt.Sprintf("%s(in=%d out=%d)", e.Type, e.Usage.InputTokens, e.Usage.OutputTokens)
	}
	return fmt.Sprintf("%s(%s,%s)", e.Type, e.ToolName, e.ToolCallID)
}

// SubStep is one nested step reported by a sub-agent tool.
type SubStep struct {
	Tool   string          `json:"tool"`
	Status string          `json:"status"`
	Title  string          `json:"title,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// Usage is a token count delta. Callers sum deltas across steps.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	CachedTokens    int64 `json:"cached_tokens,omitempty"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens + o.InputTokens,
		OutputTokens:    u.OutputTokens + o.OutputTokens,
		ReasoningTokens: u.ReasoningTokens + o.ReasoningTokens,
		CachedTokens:    u.CachedTokens + o.CachedTokens,
	}
}

func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// ApprovalRequest asks the user to authorize one tool call.
type ApprovalRequest struct {
	ApprovalID string          `json:"approval_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ApprovalResponse is the user's decision for one ApprovalRequest.
type ApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// Convenience constructors used by adapters and tests.

func TextDelta(s string) Event { return Event{Type: EventTextDelta, Text: s} }
func ReasoningDelta(s string) Event { return Event{Type: EventReasoningDelta, Text: s} }

func ToolInputStart(name, id string) Event {
	return Event{Type: EventToolInputStart, ToolName: name, ToolCallID: id}
}

func ToolCall(name, id string, input json.RawMessage) Event {
	return Event{Type: EventToolCall, ToolName: name, ToolCallID: id, Input: input}
}

func ToolResult(name, id string, output json.RawMessage) Event {
	return Event{Type: EventToolResult, ToolName: name, ToolCallID: id, Output: output}
}

func ToolError(name, id, msg string) Event {
	return Event{Type: EventToolError, ToolName: name, ToolCallID: id, Text: msg}
}

func ToolProgress(name, id string, steps []SubStep) Event {
	return Event{Type: EventToolProgress, ToolName: name, ToolCallID: id, SubSteps: steps}
}

func ApprovalRequested(req ApprovalRequest) Event {
	return Event{Type: EventApprovalRequest, ToolName: req.ToolName, ToolCallID: req.ToolCallID, Approval: &req}
}

func FinishStep(u Usage) Event { return Event{Type: EventFinishStep, Usage: u} }
func StreamError(err error) Event { return Event{Type: EventError, Err: err} }
func Abort() Event { return Event{Type: EventAbort} }
