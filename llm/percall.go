package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
	"go.uber.org/zap"
)

// DefaultMaxRoundTrips bounds the model calls made inside one step.
const DefaultMaxRoundTrips = 10

// ModelRequest is a single model call.
type ModelRequest struct {
	System    string
	Model     string
	MaxTokens int64
	Messages  []message.Message
	Tools     []tools.Tool
}

type ModelToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ModelResponse is the accumulated outcome of one model call.
type ModelResponse struct {
	Text      string
	Reasoning string
	ToolCalls []ModelToolCall
	Usage     Usage
}

func (r *ModelResponse) message() message.Message {
	m := message.Message{Role: message.RoleAssistant}
	if r.Reasoning != "" {
		m.Parts = append(m.Parts, message.Reasoning(r.Reasoning))
	}
	if r.Text != "" {
		m.Parts = append(m.Parts, message.Text(r.Text))
	}
	for _, c := range r.ToolCalls {
		m.Parts = append(m.Parts, message.ToolCall(c.ID, c.Name, c.Input))
	}
	return m
}

// ModelStreamer performs one streaming model call. While streaming it emits
// text-delta, reasoning-delta, tool-input-start and tool-call events; the
// CallProvider emits everything else.
type ModelStreamer interface {
	StreamModel(ctx context.Context, req ModelRequest, emit func(Event)) (*ModelResponse, error)
	Name() string
}

// CallProvider is the stateless Provider: every step resends the full
// history, runs tools locally, and loops model calls until the model stops
// calling tools or a call needs approval.
type CallProvider struct {
	model         ModelStreamer
	maxRoundTrips int
	logger        *zap.Logger
	newID         func() string
}

type CallOption func(*CallProvider)

func WithMaxRoundTrips(n int) CallOption {
	return func(p *CallProvider) {
		if n > 0 {
			p.maxRoundTrips = n
		}
	}
}

func WithIDGenerator(f func() string) CallOption {
	return func(p *CallProvider) { p.newID = f }
}

func NewCallProvider(model ModelStreamer, logger *zap.Logger, opts ...CallOption) *CallProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &CallProvider{
		model:         model,
		maxRoundTrips: DefaultMaxRoundTrips,
		logger:        logger.With(zap.String("provider", model.Name())),
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *CallProvider) Name() string { return p.model.Name() }

func (p *CallProvider) StreamResponse(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	history := append([]message.Message(nil), req.Messages...)

	if approved := p.executeApproved(ctx, req, history); approved != nil {
		res.Messages = append(res.Messages, *approved)
		history = append(history, *approved)
	}
	if ctx.Err() != nil {
		req.emit(Abort())
		return nil, nil
	}

	var texts []string
	for round := 0; ; round++ {
		if round == p.maxRoundTrips {
			p.logger.Warn("model round trip limit reached", zap.Int("limit", p.maxRoundTrips))
			break
		}

		conv, dropped := message.SanitizeToolPairs(history)
		if dropped > 0 {
			p.logger.Warn("removed orphaned tool parts from history", zap.Int("parts", dropped))
		}
		resp, err := p.model.StreamModel(ctx, ModelRequest{
			System:    req.Options.SystemPrompt,
			Model:     req.Options.Model,
			MaxTokens: req.Options.MaxTokens,
			Messages:  conv,
			Tools:     req.Tools,
		}, req.emit)
		if ctx.Err() != nil {
			req.emit(Abort())
			return nil, nil
		}
		if err != nil {
			req.emit(StreamError(err))
			return nil, errors.Wrapf(err, "%s stream failed", p.model.Name())
		}

		if resp.Text != "" {
			texts = append(texts, resp.Text)
		}
		res.Usage = res.Usage.Add(resp.Usage)
		req.emit(FinishStep(resp.Usage))

		if assistant := resp.message(); len(assistant.Parts) > 0 {
			res.Messages = append(res.Messages, assistant)
			history = append(history, assistant)
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		parts, pending := p.runTools(ctx, req, resp.ToolCalls)
		if ctx.Err() != nil {
			req.emit(Abort())
			return nil, nil
		}
		if len(parts) > 0 {
			msg := message.Message{Role: message.RoleTool, Parts: parts}
			res.Messages = append(res.Messages, msg)
			history = append(history, msg)
		}
		if len(pending) > 0 {
			res.PendingApprovals = pending
			break
		}
	}

	res.Text = strings.Join(texts, "\n\n")
	return res, nil
}

// runTools executes calls that need no approval and emits approval requests
// for the rest.
func (p *CallProvider) runTools(ctx context.Context, req Request, calls []ModelToolCall) ([]message.Part, []ApprovalRequest) {
	var parts []message.Part
	var pending []ApprovalRequest
	for _, c := range calls {
		tool := findTool(req.Tools, c.Name)
		if tool == nil {
			msg := "unknown tool: " + c.Name
			req.emit(ToolError(c.Name, c.ID, msg))
			parts = append(parts, message.ToolResult(c.ID, c.Name, message.ErrorOutput(msg)))
			continue
		}
		if req.needsApproval(c.Name, c.Input) {
			approval := ApprovalRequest{
				ApprovalID: p.newID(),
				ToolCallID: c.ID,
				ToolName:   c.Name,
				Input:      c.Input,
			}
			req.emit(ApprovalRequested(approval))
			pending = append(pending, approval)
			continue
		}
		parts = append(parts, p.execute(ctx, req, tool, c.ID, c.Input))
	}
	return parts, pending
}

// executeApproved runs the approved calls of the history that have no
// result yet and returns the tool message carrying their results.
func (p *CallProvider) executeApproved(ctx context.Context, req Request, history []message.Message) *message.Message {
	calls := make(map[string]message.Part)
	results := make(map[string]bool)
	var approved []string
	for _, m := range history {
		for _, part := range m.Parts {
			switch part.Type {
			case message.PartToolCall:
				calls[part.ToolCallID] = part
			case message.PartToolResult:
				results[part.ToolCallID] = true
			case message.PartToolApprovalResponse:
				if part.Approved {
					approved = append(approved, part.ToolCallID)
				}
			}
		}
	}

	var parts []message.Part
	for _, id := range approved {
		if results[id] || ctx.Err() != nil {
			continue
		}
		call, ok := calls[id]
		if !ok {
			p.logger.Warn("approval response for unknown tool call", zap.String("tool_call_id", id))
			continue
		}
		tool := findTool(req.Tools, call.ToolName)
		if tool == nil {
			msg := "unknown tool: " + call.ToolName
			req.emit(ToolError(call.ToolName, id, msg))
			parts = append(parts, message.ToolResult(id, call.ToolName, message.ErrorOutput(msg)))
			continue
		}
		parts = append(parts, p.execute(ctx, req, tool, id, call.Input))
		results[id] = true
	}
	if len(parts) == 0 {
		return nil
	}
	return &message.Message{Role: message.RoleTool, Parts: parts}
}

func (p *CallProvider) execute(ctx context.Context, req Request, tool tools.Tool, id string, input json.RawMessage) message.Part {
	out, err := tools.ExecuteJSON(ctx, tool, input)
	if err != nil {
		p.logger.Debug("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
		req.emit(ToolError(tool.Name(), id, err.Error()))
		return message.ToolResult(id, tool.Name(), message.ErrorOutput(err.Error()))
	}
	output := message.TextOutput(out)
	req.emit(ToolResult(tool.Name(), id, output.Value))
	return message.ToolResult(id, tool.Name(), output)
}

func (p *CallProvider) GenerateTitle(ctx context.Context, text string) (string, error) {
	resp, err := p.model.StreamModel(ctx, ModelRequest{
		System:    TitlePrompt,
		MaxTokens: 64,
		Messages:  []message.Message{message.User(text)},
	}, nil)
	if err != nil {
		return "", errors.Wrapf(err, "generating title")
	}
	return CleanTitle(resp.Text, text), nil
}

func findTool(available []tools.Tool, name string) tools.Tool {
	for _, t := range available {
		if t.Name() == name {
			return t
		}
	}
	return nil
}
