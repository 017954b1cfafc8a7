package backends

import (
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelHistory(t *testing.T) {
	history := []message.Message{
		{Role: message.RoleSystem, Parts: []message.Part{message.Text("sys")}},
		message.User("hi"),
		{Role: message.RoleAssistant, Parts: []message.Part{message.ToolCall("a", "x", nil)}},
		{Role: message.RoleTool, Parts: []message.Part{message.ToolResult("a", "x", message.TextOutput("1"))}},
		{Role: message.RoleTool, Parts: []message.Part{message.ApprovalResponse("ap", "b", true, "")}},
		{Role: message.RoleTool, Parts: []message.Part{message.ToolResult("b", "y", message.TextOutput("2"))}},
	}
	got := modelHistory(history)
	require.Len(t, got, 3)
	assert.Equal(t, message.RoleTool, got[2].Role)
	assert.Len(t, got[2].Parts, 2)
	// input is not modified
	assert.Len(t, history[3].Parts, 1)
}

func TestToGeminiSchema(t *testing.T) {
	s := toGeminiSchema(searchTool{}.Parameters())
	assert.Equal(t, genai.TypeObject, s.Type)
	require.Contains(t, s.Properties, "query")
	assert.Equal(t, genai.TypeString, s.Properties["query"].Type)
	assert.Equal(t, []string{"query"}, s.Required)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"type":"object","properties":{"n":{"type":"integer"},"tags":{"type":"array","items":{"type":"string"}}},"required":["n"]}`), &decoded))
	s = toGeminiSchema(decoded)
	assert.Equal(t, genai.TypeInteger, s.Properties["n"].Type)
	assert.Equal(t, genai.TypeArray, s.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, []string{"n"}, s.Required)
}

func TestConvertMessagesToGeminiContent(t *testing.T) {
	contents := convertMessagesToGeminiContent([]message.Message{
		message.User("weather?"),
		{Role: message.RoleAssistant, Parts: []message.Part{
			message.ToolCall("call_0_weather", "weather", json.RawMessage(`{"city":"Oslo"}`)),
		}},
		{Role: message.RoleTool, Parts: []message.Part{
			message.ToolResult("call_0_weather", "weather", message.TextOutput("rain")),
		}},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	call, ok := contents[1].Parts[0].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "Oslo", call.Args["city"])
	resp, ok := contents[2].Parts[0].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, "rain", resp.Response["output"])
}

func TestProcessGeminiChunk(t *testing.T) {
	var events []llm.Event
	resp := &llm.ModelResponse{}
	processGeminiChunk(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{
			genai.Text("Checking"),
			genai.FunctionCall{Name: "weather", Args: map[string]any{"city": "Oslo"}},
		}}}},
	}, resp, func(ev llm.Event) { events = append(events, ev) })

	assert.Equal(t, "Checking", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0_weather", resp.ToolCalls[0].ID)
	assert.Equal(t, []llm.EventType{llm.EventTextDelta, llm.EventToolInputStart, llm.EventToolCall}, eventTypes(events))
}
