package turn

import (
	"encoding/json"
	"testing"

	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstructEmpty(t *testing.T) {
	blocks, msgs := Reconstruct(nil)
	assert.Empty(t, blocks)
	assert.Empty(t, msgs)
}

func TestReconstructInterruptedCall(t *testing.T) {
	in := []ContentBlock{
		{Type: BlockText, Text: "Let me run it."},
		{Type: BlockTool, Tool: &ToolCall{
			ID: "c1", Name: "execute_command", Input: json.RawMessage(`{"command":"make"}`), Status: StatusRunning,
			SubSteps: []llm.SubStep{{Tool: "bash", Status: "completed"}, {Tool: "bash", Status: "running"}},
		}},
	}

	blocks, msgs := Reconstruct(in)

	require.Len(t, blocks, 2)
	call := blocks[1].Tool
	assert.Equal(t, StatusFailed, call.Status)
	assert.Equal(t, InterruptedMessage, call.Error)
	assert.Equal(t, "completed", call.SubSteps[0].Status)
	assert.Equal(t, "failed", call.SubSteps[1].Status)
	assert.Equal(t, StatusRunning, in[1].Tool.Status, "input must not be modified")

	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, "Let me run it.", msgs[0].Parts[0].Text)
	assert.Equal(t, message.PartToolCall, msgs[0].Parts[1].Type)
	assert.Equal(t, "c1", msgs[0].Parts[1].ToolCallID)

	assert.Equal(t, message.RoleTool, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 1)
	out := msgs[1].Parts[0].Output
	assert.True(t, out.IsError())
	assert.Equal(t, InterruptedMessage, out.String())
}

func TestReconstructBatching(t *testing.T) {
	in := []ContentBlock{
		{Type: BlockReasoning, Text: "plan"},
		{Type: BlockText, Text: "Reading."},
		{Type: BlockTool, Tool: &ToolCall{ID: "c1", Name: "read_file", Status: StatusCompleted}, Result: json.RawMessage(`"contents"`)},
		{Type: BlockTool, Tool: &ToolCall{ID: "c2", Name: "write_file", Status: StatusFailed, Approval: Denied, Error: "[DENIED] no"},
			Result: message.TextOutput("[DENIED] no").Value},
		{Type: BlockTool, Tool: &ToolCall{Name: "grep", Status: StatusRunning}},
		{Type: BlockText, Text: "Now writing"},
		{Type: BlockTool, Tool: &ToolCall{ID: "c3", Name: "execute_command", Status: StatusFailed, Error: "exit 1"}},
	}

	blocks, msgs := Reconstruct(in)

	assert.Equal(t, StatusFailed, blocks[4].Tool.Status, "calls without id are still interrupted for display")
	require.Len(t, msgs, 4)

	assert.Equal(t, message.RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Parts, 4)
	assert.Equal(t, message.PartReasoning, msgs[0].Parts[0].Type)
	assert.Equal(t, message.PartText, msgs[0].Parts[1].Type)
	assert.Equal(t, "c1", msgs[0].Parts[2].ToolCallID)
	assert.Equal(t, "c2", msgs[0].Parts[3].ToolCallID)

	assert.Equal(t, message.RoleTool, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 2)
	assert.Equal(t, message.OutputJSON, msgs[1].Parts[0].Output.Type)
	assert.Equal(t, "contents", msgs[1].Parts[0].Output.String())
	assert.Equal(t, message.OutputText, msgs[1].Parts[1].Output.Type)
	assert.Equal(t, "[DENIED] no", msgs[1].Parts[1].Output.String())

	assert.Equal(t, message.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Now writing", msgs[2].Parts[0].Text)
	assert.Equal(t, "c3", msgs[2].Parts[1].ToolCallID)

	require.Len(t, msgs[3].Parts, 1)
	assert.True(t, msgs[3].Parts[0].Output.IsError())
	assert.Equal(t, "exit 1", msgs[3].Parts[0].Output.String())
}

func TestReconstructPairsEveryCall(t *testing.T) {
	in := []ContentBlock{
		{Type: BlockTool, Tool: &ToolCall{ID: "c1", Name: "a", Status: StatusStreaming}},
		{Type: BlockTool, Tool: &ToolCall{ID: "c2", Name: "b", Status: StatusAwaitingApproval}},
		{Type: BlockTool, Tool: &ToolCall{ID: "c3", Name: "c", Status: StatusCompleted}},
	}

	_, msgs := Reconstruct(in)

	sanitized, dropped := message.SanitizeToolPairs(msgs)
	assert.Zero(t, dropped)
	assert.Equal(t, msgs, sanitized)
	assert.Empty(t, message.Unanswered(msgs))

	// A completed call without a result payload still gets an answer.
	require.Len(t, msgs[1].Parts, 3)
	assert.Equal(t, InterruptedMessage, msgs[1].Parts[2].Output.String())
}
