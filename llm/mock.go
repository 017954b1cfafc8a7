package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/parley/message"
)

// MockStep scripts one model call of a MockStreamer.
type MockStep struct {
	Reasoning string
	// Text is streamed word by word.
	Text      string
	ToolCalls []ModelToolCall
	Usage     Usage
	Err       error
}

// MockStreamer replays scripted steps. Once the script is exhausted it
// echoes the last user message.
type MockStreamer struct {
	mu       sync.Mutex
	steps    []MockStep
	Requests []ModelRequest
}

func NewMockStreamer(steps ...MockStep) *MockStreamer {
	return &MockStreamer{steps: steps}
}

func (m *MockStreamer) Name() string { return "mock" }

func (m *MockStreamer) StreamModel(ctx context.Context, req ModelRequest, emit func(Event)) (*ModelResponse, error) {
	emit = discardIfNil(emit)
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	var step MockStep
	if len(m.steps) > 0 {
		step, m.steps = m.steps[0], m.steps[1:]
	} else {
		step = MockStep{Text: m.echo(req.Messages)}
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Reasoning != "" {
		emit(ReasoningDelta(step.Reasoning))
	}
	for _, chunk := range splitKeep(step.Text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emit(TextDelta(chunk))
	}
	for _, c := range step.ToolCalls {
		emit(ToolInputStart(c.Name, c.ID))
		emit(ToolCall(c.Name, c.ID, c.Input))
	}
	return &ModelResponse{
		Text:      step.Text,
		Reasoning: step.Reasoning,
		ToolCalls: step.ToolCalls,
		Usage:     step.Usage,
	}, nil
}

func (m *MockStreamer) echo(msgs []message.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleUser {
			return fmt.Sprintf("I am a mock LLM. You said: '%s'.", msgs[i].Text())
		}
	}
	return "I am a mock LLM."
}

// splitKeep splits s into words, keeping the separating spaces attached to
// the following word.
func splitKeep(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	out = append(out, s[start:])
	return out
}
