package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailingText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "text only",
			msg:  Message{Role: RoleAssistant, Parts: []Part{Text("Hello "), Text("World")}},
			want: "Hello World",
		},
		{
			name: "text after tool call",
			msg: Message{Role: RoleAssistant, Parts: []Part{
				Text("Let me look."),
				ToolCall("c1", "read_file", json.RawMessage(`{}`)),
				Reasoning("done"),
				Text("Found it."),
			}},
			want: "Found it.",
		},
		{
			name: "ends with tool call",
			msg: Message{Role: RoleAssistant, Parts: []Part{
				Text("Let me look."),
				ToolCall("c1", "read_file", nil),
			}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrailingText(tt.msg))
		})
	}
}

func TestToolOutput(t *testing.T) {
	out := TextOutput("[DENIED] no")
	assert.Equal(t, OutputText, out.Type)
	assert.Equal(t, "[DENIED] no", out.String())
	assert.False(t, out.IsError())

	errOut := ErrorOutput("exit status 1")
	assert.True(t, errOut.IsError())
	assert.Equal(t, "exit status 1", errOut.String())

	j := JSONOutput(json.RawMessage(`{"n":1}`))
	assert.Equal(t, OutputJSON, j.Type)
	assert.JSONEq(t, `{"n":1}`, j.String())

	notJSON := JSONOutput(json.RawMessage(`plain words`))
	assert.Equal(t, OutputText, notJSON.Type)
	assert.Equal(t, "plain words", notJSON.String())

	var nilOut *ToolOutput
	assert.Equal(t, "", nilOut.String())
}

func TestSanitizeToolPairs(t *testing.T) {
	history := []Message{
		User("hi"),
		{Role: RoleAssistant, Parts: []Part{
			Text("checking"),
			ToolCall("a", "read_file", nil),
			ToolCall("b", "execute_command", nil),
			ToolCall("c", "write_file", nil),
		}},
		{Role: RoleTool, Parts: []Part{
			ToolResult("a", "read_file", TextOutput("ok")),
			ApprovalResponse("ap1", "c", true, ""),
			ToolResult("zzz", "ghost", TextOutput("orphan")),
		}},
	}

	cleaned, removed := SanitizeToolPairs(history)
	assert.Equal(t, 2, removed)
	require.Len(t, cleaned, 3)
	assert.Equal(t, []Part{
		Text("checking"),
		ToolCall("a", "read_file", nil),
		ToolCall("c", "write_file", nil),
	}, cleaned[1].Parts)
	assert.Len(t, cleaned[2].Parts, 2)
	// input untouched
	assert.Len(t, history[1].Parts, 4)
}

func TestSanitizeToolPairsNoOrphans(t *testing.T) {
	history := []Message{User("hi"), Assistant("hello")}
	cleaned, removed := SanitizeToolPairs(history)
	assert.Zero(t, removed)
	assert.Equal(t, history, cleaned)
}

func TestUnanswered(t *testing.T) {
	history := []Message{
		{Role: RoleAssistant, Parts: []Part{ToolCall("a", "x", nil), ToolCall("b", "y", nil)}},
		{Role: RoleTool, Parts: []Part{ApprovalResponse("ap", "a", true, "")}},
	}
	got := Unanswered(history)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ToolCallID)
}
