package backends

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchTool struct{}

func (searchTool) Name() string        { return "search" }
func (searchTool) Description() string { return "Look something up" }
func (searchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
		"required": []string{"query"},
	}
}
func (searchTool) Execute(context.Context, map[string]interface{}) (string, error) {
	return "", nil
}

func eventTypes(events []llm.Event) []llm.EventType {
	types := make([]llm.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestConvertMessagesToAnthropicFormat(t *testing.T) {
	messages := []message.Message{
		message.User("Hello, world!"),
		{Role: message.RoleAssistant, Parts: []message.Part{
			message.Text("Let me check."),
			message.ToolCall("call_1", "test_tool", json.RawMessage(`{"param1":"value1"}`)),
		}},
		{Role: message.RoleTool, Parts: []message.Part{
			message.ToolResult("call_1", "test_tool", message.ErrorOutput("boom")),
		}},
		message.User("and now?"),
	}

	result := convertMessagesToAnthropicFormat(messages)
	require.Len(t, result, 3)
	assert.Equal(t, "user", result[0]["role"])
	assert.Equal(t, "assistant", result[1]["role"])

	// the tool result and the following user text share one user message
	assert.Equal(t, "user", result[2]["role"])
	content := result[2]["content"].([]map[string]interface{})
	require.Len(t, content, 2)
	assert.Equal(t, "tool_result", content[0]["type"])
	assert.Equal(t, "call_1", content[0]["tool_use_id"])
	assert.Equal(t, true, content[0]["is_error"])
	assert.Equal(t, "text", content[1]["type"])
}

func TestCreateAnthropicRequest(t *testing.T) {
	messages := convertMessagesToAnthropicFormat([]message.Message{message.User("Hello!")})

	body, err := createAnthropicRequest(messages, "be brief", 1024, nil)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "bedrock-2023-05-31", decoded["anthropic_version"])
	assert.Equal(t, "be brief", decoded["system"])
	assert.Nil(t, decoded["tools"])

	ts := []tools.Tool{searchTool{}}
	body, err = createAnthropicRequest(messages, "", 1024, ts)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &decoded))
	toolList := decoded["tools"].([]any)
	require.Len(t, toolList, 1)
	schema := toolList[0].(map[string]any)["input_schema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
}

func TestBedrockStreamState(t *testing.T) {
	chunks := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"search"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	}

	var events []llm.Event
	state := newBedrockStreamState()
	for _, c := range chunks {
		require.NoError(t, state.handle([]byte(c), func(ev llm.Event) { events = append(events, ev) }))
	}

	require.Len(t, events, 3)
	assert.Equal(t, llm.TextDelta("Hello"), events[0])
	assert.Equal(t, llm.ToolInputStart("search", "toolu_1"), events[1])
	assert.Equal(t, llm.EventToolCall, events[2].Type)
	assert.JSONEq(t, `{"query":"go"}`, string(events[2].Input))

	resp := state.response()
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
}

func TestBedrockStreamStateError(t *testing.T) {
	state := newBedrockStreamState()
	err := state.handle([]byte(`{"type":"error","error":{"message":"overloaded"}}`), func(llm.Event) {})
	assert.ErrorContains(t, err, "overloaded")

	err = state.handle([]byte(`not json`), func(llm.Event) {})
	assert.Error(t, err)
}
