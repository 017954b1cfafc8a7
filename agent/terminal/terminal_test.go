package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
	"github.com/m4xw311/parley/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestConfig creates a config with a default toolset for testing
func createTestConfig() *config.Config {
	cfg := &config.Config{
		Toolsets: []config.Toolset{{Name: "default", Tools: []string{}}},
	}
	cfg.ApplyDefaults()
	cfg.Approval.Tools = []string{"echo"}
	return cfg
}

type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "Echo text back." }
func (echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	s, _ := args["text"].(string)
	return s, nil
}

func newTestAgent(t *testing.T, mode agent.Mode, verbosity agent.ToolVerbosity, steps ...llm.MockStep) *agent.Agent {
	t.Helper()
	sess, err := session.NewIn(t.TempDir(), "test-session")
	require.NoError(t, err)
	provider := llm.NewCallProvider(llm.NewMockStreamer(steps...), nil)
	a, err := agent.New(context.Background(), createTestConfig(), sess, "default", mode, provider, verbosity, nil)
	require.NoError(t, err)
	a.Tools = []tools.Tool{echoTool{}}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func echoCall(text string) llm.MockStep {
	return llm.MockStep{ToolCalls: []llm.ModelToolCall{{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"` + text + `"}`),
	}}}
}

func TestRunTurnAndQuit(t *testing.T) {
	a := newTestAgent(t, agent.ModeAuto, agent.ToolVerbosityNone,
		llm.MockStep{Text: "Hi there"}, llm.MockStep{Text: "Greeting"})
	var out bytes.Buffer
	term := New(a, strings.NewReader("hello\n/quit\nnever read\n"), &out)

	require.NoError(t, term.Run(context.Background(), ""))
	assert.Contains(t, out.String(), "Parley: Hi there\n")
	assert.Len(t, a.Session.Turns, 1)
}

func TestRunInitialPromptAndEOF(t *testing.T) {
	a := newTestAgent(t, agent.ModeAuto, agent.ToolVerbosityNone)
	var out bytes.Buffer
	term := New(a, strings.NewReader(""), &out)

	require.NoError(t, term.Run(context.Background(), "ping"))
	assert.Contains(t, out.String(), "You said: 'ping'")
}

func TestApprovalPrompt(t *testing.T) {
	a := newTestAgent(t, agent.ModePrompt, agent.ToolVerbosityInfo,
		echoCall("pong"), llm.MockStep{Text: "Done."}, llm.MockStep{Text: "Echo"})
	var out bytes.Buffer
	term := New(a, strings.NewReader("echo pong\ny\n/exit\n"), &out)

	require.NoError(t, term.Run(context.Background(), ""))
	got := out.String()
	assert.Contains(t, got, "Parley wants to call tool `echo` with args: {\"text\":\"pong\"}")
	assert.Contains(t, got, "Do you want to allow this? (y/n): ")
	assert.Contains(t, got, "✓ echo")
	assert.Contains(t, got, "Parley: Done.")

	require.Len(t, a.Session.Turns, 1)
	tool := a.Session.Turns[0].Blocks[0].Tool
	require.NotNil(t, tool)
	assert.Equal(t, turn.Approved, tool.Approval)
	assert.Equal(t, turn.StatusCompleted, tool.Status)
}

func TestApprovalDeniedAtEndOfInput(t *testing.T) {
	a := newTestAgent(t, agent.ModePrompt, agent.ToolVerbosityNone,
		echoCall("pong"), llm.MockStep{Text: "Okay."}, llm.MockStep{Text: "Echo"})
	var out bytes.Buffer
	term := New(a, strings.NewReader("echo pong\n"), &out)

	require.NoError(t, term.Run(context.Background(), ""))
	require.Len(t, a.Session.Turns, 1)
	tool := a.Session.Turns[0].Blocks[0].Tool
	assert.Equal(t, turn.Denied, tool.Approval)
	assert.Equal(t, turn.DeniedPrefix+"No answer was given.", tool.Error)
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		line     string
		approved bool
		reason   string
	}{
		{"y", true, ""},
		{" Yes ", true, ""},
		{"n", false, ""},
		{"no use the other file", false, "use the other file"},
		{"maybe", false, ""},
		{"", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			approved, reason := parseAnswer(tt.line)
			assert.Equal(t, tt.approved, approved)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestToolLine(t *testing.T) {
	call := turn.ToolCall{Name: "read_file", Input: json.RawMessage(`{ "path": "a.txt" }`), Status: turn.StatusFailed, Error: "boom"}

	none := &renderer{styles: defaultStyles(), verbosity: agent.ToolVerbosityNone}
	assert.Empty(t, none.toolLine(call))

	info := &renderer{styles: defaultStyles(), verbosity: agent.ToolVerbosityInfo}
	assert.Equal(t, "✗ read_file: boom", info.toolLine(call))

	all := &renderer{styles: defaultStyles(), verbosity: agent.ToolVerbosityAll}
	call.Status = turn.StatusRunning
	call.SubSteps = []llm.SubStep{{Tool: "grep", Status: "completed"}}
	assert.Equal(t, `⏺ read_file {"path":"a.txt"} (1 steps)`, all.toolLine(call))
}

func TestRendererSections(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{out: &out, styles: defaultStyles(), verbosity: agent.ToolVerbosityInfo, seen: map[string]turn.ToolStatus{}}
	cb := r.callbacks()

	cb.OnReasoningDelta("hmm")
	cb.OnTextDelta("\nHello")
	cb.OnToolUpdate(turn.ToolCall{ID: "1", Name: "webSearch", Status: turn.StatusStreaming})
	cb.OnToolUpdate(turn.ToolCall{ID: "1", Name: "webSearch", Status: turn.StatusRunning})
	cb.OnToolUpdate(turn.ToolCall{ID: "1", Name: "webSearch", Status: turn.StatusCompleted})
	cb.OnToolUpdate(turn.ToolCall{ID: "1", Name: "webSearch", Status: turn.StatusCompleted})
	cb.OnTextDelta("World")
	r.endSection()

	assert.Equal(t, "Thinking: hmm\nParley: Hello\n⏺ webSearch\n✓ webSearch\nParley: World\n", out.String())
}

func TestReplay(t *testing.T) {
	a := newTestAgent(t, agent.ModeAuto, agent.ToolVerbosityInfo)
	a.Session.Turns = []session.Turn{
		{
			Prompt: "what is it",
			Blocks: []turn.ContentBlock{
				{Type: turn.BlockTool, Tool: &turn.ToolCall{ID: "c1", Name: "read_file", Status: turn.StatusCompleted}},
				{Type: turn.BlockText, Text: "The answer is 42"},
			},
		},
		{
			Prompt:      "and now",
			Blocks:      []turn.ContentBlock{{Type: turn.BlockTool, Tool: &turn.ToolCall{ID: "c2", Name: "execute_command", Status: turn.StatusFailed, Error: turn.InterruptedMessage}}},
			Interrupted: true,
		},
	}
	var out bytes.Buffer
	New(a, strings.NewReader(""), &out).Replay()

	got := out.String()
	assert.Contains(t, got, "You: what is it")
	assert.Contains(t, got, "✓ read_file")
	assert.Contains(t, got, "The answer is 42")
	assert.Contains(t, got, "✗ execute_command: "+turn.InterruptedMessage)
	assert.Contains(t, got, "(interrupted)")
}

func TestInterruptCancelsTurn(t *testing.T) {
	a := newTestAgent(t, agent.ModePrompt, agent.ToolVerbosityNone, echoCall("pong"))
	term := New(a, nil, io.Discard)
	// the approval prompt never gets an answer; only cancellation ends the turn
	pr, pw := io.Pipe()
	term.lines = newLineReader(pr)
	defer pw.Close()
	defer term.lines.close()
	term.interrupt = func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithCancel(parent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- term.processTurn(ctx, "echo pong") }()
	cancel()
	require.NoError(t, <-done)
	require.Len(t, a.Session.Turns, 1)
	assert.True(t, a.Session.Turns[0].Interrupted)
}
