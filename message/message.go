// Package message defines the wire-format conversation history shared by the
// turn engine, the provider adapters, and the session store.
package message

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartText                 PartType = "text"
	PartReasoning            PartType = "reasoning"
	PartToolCall             PartType = "tool-call"
	PartToolResult           PartType = "tool-result"
	PartToolApprovalResponse PartType = "tool-approval-response"
)

// OutputType says how a tool result value should be interpreted.
type OutputType string

const (
	OutputText      OutputType = "text"
	OutputJSON      OutputType = "json"
	OutputErrorText OutputType = "error-text"
)

// ToolOutput is the value carried by a tool-result part. Value is always
// valid JSON; for text outputs it is a JSON string.
type ToolOutput struct {
	Type  OutputType      `json:"type"`
	Value json.RawMessage `json:"value"`
}

func TextOutput(s string) *ToolOutput {
	return &ToolOutput{Type: OutputText, Value: quote(s)}
}

func ErrorOutput(s string) *ToolOutput {
	return &ToolOutput{Type: OutputErrorText, Value: quote(s)}
}

// JSONOutput wraps raw as a json output. Invalid JSON is stored as text.
func JSONOutput(raw json.RawMessage) *ToolOutput {
	if !json.Valid(raw) {
		return TextOutput(string(raw))
	}
	return &ToolOutput{Type: OutputJSON, Value: append(json.RawMessage(nil), raw...)}
}

// String renders the output for a model that only accepts text.
func (o *ToolOutput) String() string {
	if o == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(o.Value, &s); err == nil {
		return s
	}
	return string(o.Value)
}

func (o *ToolOutput) IsError() bool {
	return o != nil && o.Type == OutputErrorText
}

// Part is one typed element of a message. Only the fields relevant to Type
// are set.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     *ToolOutput     `json:"output,omitempty"`

	ApprovalID string `json:"approval_id,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

func Text(text string) Part {
	return Part{Type: PartText, Text: text}
}

func Reasoning(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

func ToolCall(id, name string, input json.RawMessage) Part {
	return Part{Type: PartToolCall, ToolCallID: id, ToolName: name, Input: input}
}

func ToolResult(id, name string, out *ToolOutput) Part {
	return Part{Type: PartToolResult, ToolCallID: id, ToolName: name, Output: out}
}

func ApprovalResponse(approvalID, toolCallID string, approved bool, reason string) Part {
	return Part{
		Type:       PartToolApprovalResponse,
		ApprovalID: approvalID,
		ToolCallID: toolCallID,
		Approved:   approved,
		Reason:     reason,
	}
}

func User(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{Text(text)}}
}

func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{Text(text)}}
}

// Text concatenates all text parts of m.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of m in order.
func (m Message) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// TrailingText returns the text that follows the last non-text part of m.
// Reasoning parts do not end the trailing run.
func TrailingText(m Message) string {
	start := 0
	for i, p := range m.Parts {
		if p.Type != PartText && p.Type != PartReasoning {
			start = i + 1
		}
	}
	var b strings.Builder
	for _, p := range m.Parts[start:] {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// LastAssistant returns the last assistant message in msgs.
func LastAssistant(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i], true
		}
	}
	return Message{}, false
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
