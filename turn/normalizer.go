package turn

import (
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"go.uber.org/zap"
)

// Callbacks are UI notifications fired while a turn is applied. Any of them
// may be nil.
type Callbacks struct {
	OnTextDelta       func(delta string)
	OnReasoningDelta  func(delta string)
	OnToolUpdate      func(call ToolCall)
	OnApprovalRequest func(req llm.ApprovalRequest)
	// OnUsage receives the usage delta of each finished model step.
	OnUsage func(delta llm.Usage)
	OnError func(err error)
	OnAbort func()
}

// Normalizer applies provider events to a Store.
type Normalizer struct {
	store  *Store
	cb     Callbacks
	logger *zap.Logger

	pending []llm.ApprovalRequest
	err     error
	aborted bool
	usage   llm.Usage
}

func NewNormalizer(store *Store, cb Callbacks, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{store: store, cb: cb, logger: logger}
}

// BeginStep clears the per-step state.
func (n *Normalizer) BeginStep() {
	n.pending = nil
	n.err = nil
	n.aborted = false
}

// Pending returns the approval requests seen in the current step.
func (n *Normalizer) Pending() []llm.ApprovalRequest {
	return append([]llm.ApprovalRequest(nil), n.pending...)
}

// Err returns the stream error of the current step, if any.
func (n *Normalizer) Err() error { return n.err }

func (n *Normalizer) Aborted() bool { return n.aborted }

// Usage returns the usage summed over every finished step.
func (n *Normalizer) Usage() llm.Usage { return n.usage }

// Apply folds one event into the store. Events after an error or abort in
// the same step are ignored.
func (n *Normalizer) Apply(ev llm.Event) {
	if n.err != nil || n.aborted {
		n.logger.Debug("event after end of step ignored", zap.Stringer("event", ev))
		return
	}

	switch ev.Type {
	case llm.EventTextDelta:
		if n.store.AppendText(ev.Text) && n.cb.OnTextDelta != nil {
			n.cb.OnTextDelta(ev.Text)
		}

	case llm.EventReasoningDelta:
		if n.store.AppendReasoning(ev.Text) && n.cb.OnReasoningDelta != nil {
			n.cb.OnReasoningDelta(ev.Text)
		}

	case llm.EventToolInputStart:
		if b := n.store.ByID(ev.ToolCallID); b != nil {
			if ev.ToolName != "" {
				b.Tool.Name = ev.ToolName
			}
			n.toolUpdated(b)
			return
		}
		n.toolUpdated(n.store.AddTool(&ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, Status: StatusStreaming}))

	case llm.EventToolCall:
		b := n.store.FindTool(ev.ToolCallID, ev.ToolName, StatusStreaming)
		if b == nil {
			b = n.store.AddTool(&ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, Status: StatusRunning})
		}
		if ev.ToolName != "" {
			b.Tool.Name = ev.ToolName
		}
		if b.Tool.Status == StatusStreaming || b.Tool.Input == nil {
			b.Tool.Input = cloneRaw(ev.Input)
		}
		if b.Tool.Status == StatusStreaming {
			n.transition(b, StatusRunning)
		}
		n.toolUpdated(b)

	case llm.EventToolResult:
		b := n.findOrCreate(ev.ToolCallID, ev.ToolName)
		if n.transition(b, StatusCompleted) {
			b.Result = cloneRaw(ev.Output)
		}
		n.toolUpdated(b)

	case llm.EventToolError:
		b := n.findOrCreate(ev.ToolCallID, ev.ToolName)
		if n.transition(b, StatusFailed) {
			b.Tool.Error = ev.Text
		}
		n.toolUpdated(b)

	case llm.EventToolProgress:
		b := n.store.FindTool(ev.ToolCallID, ev.ToolName, inFlight...)
		if b == nil {
			n.logger.Debug("progress for unknown tool call", zap.String("tool_call_id", ev.ToolCallID))
			return
		}
		b.Tool.SubSteps = append([]llm.SubStep(nil), ev.SubSteps...)
		n.toolUpdated(b)

	case llm.EventApprovalRequest:
		if ev.Approval == nil {
			n.logger.Warn("approval request without payload", zap.String("tool_call_id", ev.ToolCallID))
			return
		}
		req := *ev.Approval
		b := n.store.FindTool(req.ToolCallID, req.ToolName, inFlight...)
		if b == nil {
			b = n.store.AddTool(&ToolCall{ID: req.ToolCallID, Name: req.ToolName, Input: cloneRaw(req.Input), Status: StatusRunning})
		}
		n.transition(b, StatusAwaitingApproval)
		n.toolUpdated(b)
		n.pending = append(n.pending, req)
		if n.cb.OnApprovalRequest != nil {
			n.cb.OnApprovalRequest(req)
		}

	case llm.EventFinishStep:
		n.store.Finish()
		n.usage = n.usage.Add(ev.Usage)
		if n.cb.OnUsage != nil {
			n.cb.OnUsage(ev.Usage)
		}

	case llm.EventError:
		n.store.Finish()
		n.err = ev.Err
		if n.err == nil {
			n.err = errors.New("provider reported an error")
		}
		if n.cb.OnError != nil {
			n.cb.OnError(n.err)
		}

	case llm.EventAbort:
		n.store.Finish()
		n.aborted = true
		if n.cb.OnAbort != nil {
			n.cb.OnAbort()
		}

	default:
		n.logger.Warn("unknown event type", zap.String("type", string(ev.Type)))
	}
}

func (n *Normalizer) findOrCreate(id, name string) *ContentBlock {
	if b := n.store.FindTool(id, name, inFlight...); b != nil {
		return b
	}
	return n.store.AddTool(&ToolCall{ID: id, Name: name, Status: StatusRunning})
}

func (n *Normalizer) transition(b *ContentBlock, to ToolStatus) bool {
	from := b.Tool.Status
	if !b.Tool.transition(to) {
		n.logger.Debug("tool status transition refused",
			zap.String("tool", b.Tool.Name),
			zap.String("tool_call_id", b.Tool.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false
	}
	return true
}

func (n *Normalizer) toolUpdated(b *ContentBlock) {
	if n.cb.OnToolUpdate != nil {
		n.cb.OnToolUpdate(*b.Tool.clone())
	}
}
