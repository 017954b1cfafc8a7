package turn

import (
	"context"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"go.uber.org/zap"
)

// DeniedPrefix marks the synthetic result of a denied tool call.
const DeniedPrefix = "[DENIED] "

// DefaultDenyReason is used when a denial carries no reason.
const DefaultDenyReason = "The user denied this tool call. Do not retry it; ask the user how to proceed instead."

// ApprovalResponder collects the user's decisions for a batch of approval
// requests. respond may be called any number of times with any subset of
// the decisions; the batch completes once every request has one.
type ApprovalResponder interface {
	OnAwaitingApprovals(ctx context.Context, requests []llm.ApprovalRequest, respond func(...llm.ApprovalResponse))
}

type ApprovalResponderFunc func(ctx context.Context, requests []llm.ApprovalRequest, respond func(...llm.ApprovalResponse))

func (f ApprovalResponderFunc) OnAwaitingApprovals(ctx context.Context, requests []llm.ApprovalRequest, respond func(...llm.ApprovalResponse)) {
	f(ctx, requests, respond)
}

// UnknownResponsePolicy decides what happens to a response whose approval
// id is not part of the current batch.
type UnknownResponsePolicy int

const (
	IgnoreUnknown UnknownResponsePolicy = iota
	RejectUnknown
)

// Coordinator runs the approval handshake for one batch at a time.
type Coordinator struct {
	responder  ApprovalResponder
	store      *Store
	policy     UnknownResponsePolicy
	denyReason string
	logger     *zap.Logger
}

func NewCoordinator(responder ApprovalResponder, store *Store, policy UnknownResponsePolicy, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		responder:  responder,
		store:      store,
		policy:     policy,
		denyReason: DefaultDenyReason,
		logger:     logger,
	}
}

// Coordinate hands pending to the responder and waits for len(pending)
// responses. Under IgnoreUnknown a response for an id outside the batch
// counts but produces nothing. It returns the tool message carrying the
// decisions, or nil when none matched.
func (c *Coordinator) Coordinate(ctx context.Context, pending []llm.ApprovalRequest) (*message.Message, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	if c.responder == nil {
		return nil, ErrNoApprovalResponder
	}

	requests := make(map[string]llm.ApprovalRequest, len(pending))
	for _, r := range pending {
		requests[r.ApprovalID] = r
	}

	ch := make(chan []llm.ApprovalResponse)
	done := make(chan struct{})
	defer close(done)
	respond := func(rs ...llm.ApprovalResponse) {
		select {
		case ch <- rs:
		case <-done:
		}
	}
	batch := append([]llm.ApprovalRequest(nil), pending...)
	go c.responder.OnAwaitingApprovals(ctx, batch, respond)

	decisions := make(map[string]llm.ApprovalResponse, len(pending))
	for received := 0; received < len(requests); {
		select {
		case <-ctx.Done():
			return nil, ErrAborted
		case rs := <-ch:
			if ctx.Err() != nil {
				return nil, ErrAborted
			}
			for _, r := range rs {
				if _, ok := requests[r.ApprovalID]; !ok {
					if c.policy == RejectUnknown {
						return nil, errors.Wrapf(ErrUnknownApproval, "approval id %q", r.ApprovalID)
					}
					// Counted so that a batch of stale responses still ends.
					c.logger.Warn("ignoring response for unknown approval", zap.String("approval_id", r.ApprovalID))
					received++
					continue
				}
				if _, dup := decisions[r.ApprovalID]; dup {
					c.logger.Debug("duplicate approval response ignored", zap.String("approval_id", r.ApprovalID))
					continue
				}
				decisions[r.ApprovalID] = r
				received++
			}
		}
	}

	msg := &message.Message{Role: message.RoleTool}
	for _, req := range pending {
		d, ok := decisions[req.ApprovalID]
		if !ok {
			continue
		}
		if d.Approved {
			msg.Parts = append(msg.Parts, message.ApprovalResponse(req.ApprovalID, req.ToolCallID, true, d.Reason))
		} else {
			msg.Parts = append(msg.Parts, message.ToolResult(req.ToolCallID, req.ToolName, message.TextOutput(c.denialText(d.Reason))))
		}
		c.record(req, d)
	}
	if len(msg.Parts) == 0 {
		return nil, nil
	}
	return msg, nil
}

func (c *Coordinator) denialText(reason string) string {
	if reason == "" {
		reason = c.denyReason
	}
	return DeniedPrefix + reason
}

// record applies a decision to the call's display record.
func (c *Coordinator) record(req llm.ApprovalRequest, d llm.ApprovalResponse) {
	if c.store == nil {
		return
	}
	b := c.store.FindTool(req.ToolCallID, req.ToolName, StatusAwaitingApproval)
	if b == nil {
		return
	}
	if d.Approved {
		b.Tool.Approval = Approved
		b.Tool.transition(StatusRunning)
		return
	}
	text := c.denialText(d.Reason)
	b.Tool.Approval = Denied
	if b.Tool.transition(StatusFailed) {
		b.Tool.Error = text
		b.Result = message.TextOutput(text).Value
	}
}
