package llm

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
)

// Provider runs one step of a turn against a model backend. Implementations
// translate their native stream into Events delivered through
// Request.OnEvent.
type Provider interface {
	// StreamResponse runs one step. It returns nil, nil when ctx is
	// cancelled before the step completes.
	StreamResponse(ctx context.Context, req Request) (*Result, error)
	// GenerateTitle returns a short title for a conversation that starts
	// with text.
	GenerateTitle(ctx context.Context, text string) (string, error)
	Name() string
}

type Options struct {
	SystemPrompt string
	Model        string
	MaxTokens    int64
}

type Request struct {
	// Messages is the full outgoing history, ending with the user message or
	// the tool message carrying approval responses.
	Messages []message.Message
	Tools    []tools.Tool
	Options  Options

	// NeedsApproval reports whether a call must be authorized before it
	// runs. Nil means no call needs approval.
	NeedsApproval func(toolName string, input json.RawMessage) bool

	// OnEvent receives stream events in order. It is never called
	// concurrently. Nil discards events.
	OnEvent func(Event)
}

func (r Request) emit(ev Event) {
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}

func (r Request) needsApproval(name string, input json.RawMessage) bool {
	return r.NeedsApproval != nil && r.NeedsApproval(name, input)
}

// Result is the outcome of one step.
type Result struct {
	// Messages are the assistant and tool messages produced by the step,
	// to be appended to the outgoing history of the next step.
	Messages []message.Message
	// Text is the visible text produced by the step.
	Text  string
	Usage Usage
	// PendingApprovals lists the approval requests emitted by the step.
	PendingApprovals []ApprovalRequest
}
