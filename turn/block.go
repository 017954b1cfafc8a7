package turn

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/m4xw311/parley/llm"
)

type BlockType string

const (
	BlockReasoning BlockType = "reasoning"
	BlockTool      BlockType = "tool"
	BlockText      BlockType = "text"
)

type ToolStatus string

const (
	StatusStreaming        ToolStatus = "streaming"
	StatusRunning          ToolStatus = "running"
	StatusAwaitingApproval ToolStatus = "awaiting_approval"
	StatusCompleted        ToolStatus = "completed"
	StatusFailed           ToolStatus = "failed"
)

// InFlight reports whether s is a non-terminal status.
func (s ToolStatus) InFlight() bool {
	return s == StatusStreaming || s == StatusRunning || s == StatusAwaitingApproval
}

var transitions = map[ToolStatus][]ToolStatus{
	StatusStreaming:        {StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed},
	StatusAwaitingApproval: {StatusRunning, StatusCompleted, StatusFailed},
}

type ApprovalResult string

const (
	Approved ApprovalResult = "approved"
	Denied   ApprovalResult = "denied"
)

// ToolCall is the display record of one tool invocation.
type ToolCall struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Status   ToolStatus      `json:"status"`
	Error    string          `json:"error,omitempty"`
	Approval ApprovalResult  `json:"approval,omitempty"`
	SubSteps []llm.SubStep   `json:"sub_steps,omitempty"`
}

// transition moves c to status to. Terminal calls never change and
// transitions outside the state machine are refused.
func (c *ToolCall) transition(to ToolStatus) bool {
	if c.Status == to {
		return to.InFlight()
	}
	for _, s := range transitions[c.Status] {
		if s == to {
			c.Status = to
			return true
		}
	}
	return false
}

func (c *ToolCall) clone() *ToolCall {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Input = cloneRaw(c.Input)
	if c.SubSteps != nil {
		cp.SubSteps = append([]llm.SubStep(nil), c.SubSteps...)
	}
	return &cp
}

// ContentBlock is one element of a turn's display, in display and replay
// order.
type ContentBlock struct {
	Type BlockType `json:"type"`
	// Text holds the content of text and reasoning blocks.
	Text string `json:"text,omitempty"`
	// Duration is how long a reasoning block streamed.
	Duration time.Duration `json:"duration,omitempty"`
	Tool     *ToolCall     `json:"tool,omitempty"`
	// Result is the opaque tool result payload.
	Result json.RawMessage `json:"result,omitempty"`

	started time.Time
	open    bool
}

// Visible reports whether the block shows anything to the user.
func (b *ContentBlock) Visible() bool {
	if b.Type == BlockTool {
		return true
	}
	return strings.TrimSpace(b.Text) != ""
}

func (b *ContentBlock) clone() ContentBlock {
	return ContentBlock{
		Type:     b.Type,
		Text:     b.Text,
		Duration: b.Duration,
		Tool:     b.Tool.clone(),
		Result:   cloneRaw(b.Result),
	}
}

// Store holds the ordered content blocks of one turn and the registry of its
// tool calls. It is not safe for concurrent use.
type Store struct {
	blocks []*ContentBlock
	byID   map[string]*ContentBlock
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*ContentBlock), now: time.Now}
}

// Blocks returns a deep copy of the blocks.
func (s *Store) Blocks() []ContentBlock {
	out := make([]ContentBlock, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.clone()
	}
	return out
}

func (s *Store) Len() int { return len(s.blocks) }

func (s *Store) tail() *ContentBlock {
	if len(s.blocks) == 0 {
		return nil
	}
	return s.blocks[len(s.blocks)-1]
}

func (s *Store) push(b *ContentBlock) {
	s.closeReasoning()
	s.blocks = append(s.blocks, b)
}

// AppendText applies a text delta. Whitespace-only deltas are dropped unless
// the open tail is a visible text block. It reports whether the delta was
// kept.
func (s *Store) AppendText(delta string) bool {
	tail := s.tail()
	openText := tail != nil && tail.Type == BlockText && tail.Visible()
	if strings.TrimSpace(delta) == "" && !openText {
		return false
	}
	if tail != nil && tail.Type == BlockText {
		tail.Text += delta
		return true
	}
	s.push(&ContentBlock{Type: BlockText, Text: delta})
	return true
}

// AppendReasoning applies a reasoning delta to the open reasoning block or
// starts a new one.
func (s *Store) AppendReasoning(delta string) bool {
	if delta == "" {
		return false
	}
	tail := s.tail()
	if tail != nil && tail.Type == BlockReasoning && tail.open {
		tail.Text += delta
		return true
	}
	if strings.TrimSpace(delta) == "" {
		return false
	}
	s.push(&ContentBlock{Type: BlockReasoning, Text: delta, started: s.now(), open: true})
	return true
}

// AddTool appends a tool block for call and registers it. An invisible text
// tail is removed first.
func (s *Store) AddTool(call *ToolCall) *ContentBlock {
	if tail := s.tail(); tail != nil && tail.Type == BlockText && !tail.Visible() {
		s.blocks = s.blocks[:len(s.blocks)-1]
	}
	b := &ContentBlock{Type: BlockTool, Tool: call}
	s.push(b)
	if call.ID != "" {
		s.byID[call.ID] = b
	}
	return b
}

// ByID returns the tool block registered under id.
func (s *Store) ByID(id string) *ContentBlock {
	if id == "" {
		return nil
	}
	return s.byID[id]
}

// FindTool looks a call up by id when id is set, otherwise returns the most
// recent call named name whose status is one of states.
func (s *Store) FindTool(id, name string, states ...ToolStatus) *ContentBlock {
	if id != "" {
		return s.byID[id]
	}
	for i := len(s.blocks) - 1; i >= 0; i-- {
		b := s.blocks[i]
		if b.Type != BlockTool || b.Tool.Name != name {
			continue
		}
		for _, st := range states {
			if b.Tool.Status == st {
				return b
			}
		}
	}
	return nil
}

// Finish closes an open reasoning block, recording its duration.
func (s *Store) Finish() {
	s.closeReasoning()
}

func (s *Store) closeReasoning() {
	tail := s.tail()
	if tail == nil || tail.Type != BlockReasoning || !tail.open {
		return
	}
	tail.open = false
	tail.Duration = s.now().Sub(tail.started)
}

var inFlight = []ToolStatus{StatusStreaming, StatusRunning, StatusAwaitingApproval}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
