package turn

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
	"go.uber.org/zap"
)

const DefaultMaxSteps = 20

type Config struct {
	Provider  llm.Provider
	Responder ApprovalResponder
	Callbacks Callbacks

	Tools         []tools.Tool
	Options       llm.Options
	NeedsApproval func(toolName string, input json.RawMessage) bool

	MaxSteps        int
	UnknownResponse UnknownResponsePolicy
	Logger          *zap.Logger
}

// Result is a completed turn.
type Result struct {
	// Text joins the visible text blocks of every step, in order.
	Text string
	// FinalText is the text after the last tool call, the answer to show
	// or speak once the turn is over. It equals the trailing text of the
	// last assistant message Reconstruct builds from Blocks.
	FinalText string
	// Messages are the user message followed by every message the turn
	// produced.
	Messages []message.Message
	Blocks   []ContentBlock
	Usage    llm.Usage
	Steps    int
}

// Driver runs turns: it calls the provider step after step, applying
// events to a fresh Store, until no approval is pending.
type Driver struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	store   *Store
}

func NewDriver(cfg Config) *Driver {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, logger: logger, store: NewStore()}
}

// Blocks returns the blocks of the last turn. After Run returns ErrAborted
// or ErrMaxSteps they are the input to Reconstruct. It must not be called
// while Run is in progress.
func (d *Driver) Blocks() []ContentBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Blocks()
}

// Run executes one turn. It returns ErrAborted when ctx is cancelled or the
// provider aborts, and the provider's error when a stream fails.
func (d *Driver) Run(ctx context.Context, history []message.Message, user message.Message) (*Result, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	d.running = true
	store := NewStore()
	d.store = store
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	norm := NewNormalizer(store, d.cfg.Callbacks, d.logger)
	coord := NewCoordinator(d.cfg.Responder, store, d.cfg.UnknownResponse, d.logger)

	var responses []message.Message
	for step := 1; step <= d.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return nil, d.abort(norm)
		}

		outgoing := make([]message.Message, 0, len(history)+1+len(responses))
		outgoing = append(outgoing, history...)
		outgoing = append(outgoing, user)
		outgoing = append(outgoing, responses...)

		norm.BeginStep()
		d.logger.Debug("step started", zap.Int("step", step), zap.Int("messages", len(outgoing)))
		res, err := d.cfg.Provider.StreamResponse(ctx, llm.Request{
			Messages:      outgoing,
			Tools:         d.cfg.Tools,
			Options:       d.cfg.Options,
			NeedsApproval: d.cfg.NeedsApproval,
			OnEvent:       guard(ctx, norm),
		})
		if ctx.Err() != nil || norm.Aborted() || (res == nil && err == nil) {
			return nil, d.abort(norm)
		}
		if err == nil {
			err = norm.Err()
		}
		if err != nil {
			if norm.Err() == nil && d.cfg.Callbacks.OnError != nil {
				d.cfg.Callbacks.OnError(err)
			}
			return nil, errors.Wrapf(err, "step %d", step)
		}

		store.Finish()
		responses = append(responses, res.Messages...)

		pending := norm.Pending()
		if len(pending) == 0 {
			return d.complete(user, responses, norm.Usage(), step), nil
		}
		if d.cfg.Responder == nil {
			return nil, ErrNoApprovalResponder
		}
		if step == d.cfg.MaxSteps {
			// No step is left to act on the decisions.
			break
		}

		d.logger.Debug("awaiting approvals", zap.Int("step", step), zap.Int("requests", len(pending)))
		msg, err := coord.Coordinate(ctx, pending)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return nil, d.abort(norm)
			}
			return nil, err
		}
		decided := msg != nil
		if msg = d.settle(store, pending, msg); msg != nil {
			responses = append(responses, *msg)
		}
		if !decided {
			return d.complete(user, responses, norm.Usage(), step), nil
		}
	}

	d.logger.Warn("turn stopped at step limit", zap.Int("max_steps", d.cfg.MaxSteps))
	return nil, ErrMaxSteps
}

// guard drops events once the turn's context is done.
func guard(ctx context.Context, norm *Normalizer) func(llm.Event) {
	return func(ev llm.Event) {
		if ctx.Err() != nil {
			return
		}
		norm.Apply(ev)
	}
}

func (d *Driver) abort(norm *Normalizer) error {
	if !norm.Aborted() && d.cfg.Callbacks.OnAbort != nil {
		d.cfg.Callbacks.OnAbort()
	}
	return ErrAborted
}

// settle fails the calls of pending that are still awaiting a decision,
// which happens when every response named an unknown approval, and adds
// their error results to msg so that each call keeps its result.
func (d *Driver) settle(store *Store, pending []llm.ApprovalRequest, msg *message.Message) *message.Message {
	for _, req := range pending {
		b := store.FindTool(req.ToolCallID, req.ToolName, StatusAwaitingApproval)
		if b == nil || b.Tool.Status != StatusAwaitingApproval {
			continue
		}
		interrupt(b)
		d.logger.Warn("approval left undecided", zap.String("approval_id", req.ApprovalID), zap.String("tool_call_id", req.ToolCallID))
		if d.cfg.Callbacks.OnToolUpdate != nil {
			d.cfg.Callbacks.OnToolUpdate(*b.Tool.clone())
		}
		if msg == nil {
			msg = &message.Message{Role: message.RoleTool}
		}
		msg.Parts = append(msg.Parts, message.ToolResult(req.ToolCallID, req.ToolName, resultOutput(b)))
	}
	return msg
}

func (d *Driver) complete(user message.Message, responses []message.Message, usage llm.Usage, steps int) *Result {
	blocks := d.Blocks()
	text, final := blockText(blocks)
	return &Result{
		Text:      text,
		FinalText: final,
		Messages:  append([]message.Message{user}, responses...),
		Blocks:    blocks,
		Usage:     usage,
		Steps:     steps,
	}
}

// blockText returns the visible text of blocks and the text after the last
// replayable tool block, matching the messages Reconstruct builds.
func blockText(blocks []ContentBlock) (all, trailing string) {
	var texts []string
	var tail strings.Builder
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case BlockTool:
			if b.Tool != nil && b.Tool.ID != "" {
				tail.Reset()
			}
		case BlockText:
			if b.Visible() {
				texts = append(texts, b.Text)
			}
			tail.WriteString(b.Text)
		}
	}
	return strings.Join(texts, "\n\n"), tail.String()
}
