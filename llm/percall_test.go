package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("approval-%d", n)
	}
}

func eventTypes(events []Event) []EventType {
	var out []EventType
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestCallProviderTextOnly(t *testing.T) {
	model := NewMockStreamer(MockStep{Text: "Hello World", Usage: Usage{InputTokens: 3, OutputTokens: 2}})
	p := NewCallProvider(model, nil)

	var events []Event
	res, err := p.StreamResponse(context.Background(), Request{
		Messages: []message.Message{message.User("hi")},
		OnEvent:  func(ev Event) { events = append(events, ev) },
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "Hello World", res.Text)
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 2}, res.Usage)
	assert.Equal(t, []EventType{EventTextDelta, EventTextDelta, EventFinishStep}, eventTypes(events))
	require.Len(t, res.Messages, 1)
	assert.Equal(t, message.RoleAssistant, res.Messages[0].Role)
	assert.Empty(t, res.PendingApprovals)
}

func TestCallProviderRunsToolsAndLoops(t *testing.T) {
	search := &MockTool{name: "search", result: "Paris"}
	model := NewMockStreamer(
		MockStep{Text: "Looking.", ToolCalls: []ModelToolCall{{ID: "c1", Name: "search", Input: json.RawMessage(`{"query":"capital"}`)}}},
		MockStep{Text: "It is Paris."},
	)
	p := NewCallProvider(model, nil)

	var events []Event
	res, err := p.StreamResponse(context.Background(), Request{
		Messages: []message.Message{message.User("capital of France?")},
		Tools:    []tools.Tool{search},
		OnEvent:  func(ev Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Looking.\n\nIt is Paris.", res.Text)
	require.Len(t, search.calls, 1)
	assert.Equal(t, "capital", search.calls[0]["query"])

	require.Len(t, res.Messages, 3)
	assert.Equal(t, message.RoleAssistant, res.Messages[0].Role)
	assert.Equal(t, message.RoleTool, res.Messages[1].Role)
	assert.Equal(t, "Paris", res.Messages[1].Parts[0].Output.String())
	assert.Equal(t, "It is Paris.", message.TrailingText(res.Messages[2]))

	assert.Contains(t, eventTypes(events), EventToolResult)
	// the second model call sees the tool result
	require.Len(t, model.Requests, 2)
	assert.Len(t, model.Requests[1].Messages, 3)
}

func TestCallProviderToolError(t *testing.T) {
	broken := &MockTool{name: "search", err: fmt.Errorf("index offline")}
	model := NewMockStreamer(
		MockStep{ToolCalls: []ModelToolCall{
			{ID: "c1", Name: "search", Input: json.RawMessage(`{}`)},
			{ID: "c2", Name: "teleport", Input: json.RawMessage(`{}`)},
		}},
		MockStep{Text: "Sorry."},
	)
	p := NewCallProvider(model, nil)

	var errs []Event
	res, err := p.StreamResponse(context.Background(), Request{
		Messages: []message.Message{message.User("x")},
		Tools:    []tools.Tool{broken},
		OnEvent: func(ev Event) {
			if ev.Type == EventToolError {
				errs = append(errs, ev)
			}
		},
	})
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Text, "index offline")
	assert.Equal(t, "unknown tool: teleport", errs[1].Text)

	toolMsg := res.Messages[1]
	require.Len(t, toolMsg.Parts, 2)
	assert.True(t, toolMsg.Parts[0].Output.IsError())
	assert.True(t, toolMsg.Parts[1].Output.IsError())
}

func TestCallProviderApprovalRoundTrip(t *testing.T) {
	write := &MockTool{name: "write_file", result: "wrote"}
	read := &MockTool{name: "read_file", result: "content"}
	model := NewMockStreamer(
		MockStep{ToolCalls: []ModelToolCall{
			{ID: "r1", Name: "read_file", Input: json.RawMessage(`{"query":"a"}`)},
			{ID: "w1", Name: "write_file", Input: json.RawMessage(`{"query":"b"}`)},
		}},
		MockStep{Text: "Done."},
	)
	p := NewCallProvider(model, nil, WithIDGenerator(sequentialIDs()))
	needs := func(name string, _ json.RawMessage) bool { return name == "write_file" }
	history := []message.Message{message.User("edit it")}
	ts := []tools.Tool{write, read}

	var events []Event
	res, err := p.StreamResponse(context.Background(), Request{
		Messages:      history,
		Tools:         ts,
		NeedsApproval: needs,
		OnEvent:       func(ev Event) { events = append(events, ev) },
	})
	require.NoError(t, err)
	require.Len(t, res.PendingApprovals, 1)
	assert.Equal(t, ApprovalRequest{
		ApprovalID: "approval-1",
		ToolCallID: "w1",
		ToolName:   "write_file",
		Input:      json.RawMessage(`{"query":"b"}`),
	}, res.PendingApprovals[0])
	assert.Empty(t, write.calls)
	assert.Len(t, read.calls, 1)
	assert.Contains(t, eventTypes(events), EventApprovalRequest)

	// next step: history carries the approval response
	history = append(history, res.Messages...)
	history = append(history, message.Message{Role: message.RoleTool, Parts: []message.Part{
		message.ApprovalResponse("approval-1", "w1", true, ""),
	}})
	events = nil
	res, err = p.StreamResponse(context.Background(), Request{
		Messages:      history,
		Tools:         ts,
		NeedsApproval: needs,
		OnEvent:       func(ev Event) { events = append(events, ev) },
	})
	require.NoError(t, err)
	require.Len(t, write.calls, 1)
	assert.Equal(t, EventToolResult, events[0].Type)
	assert.Equal(t, "w1", events[0].ToolCallID)
	assert.Equal(t, "Done.", res.Text)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, message.RoleTool, res.Messages[0].Role)

	// the model saw a fully paired history
	last := model.Requests[len(model.Requests)-1]
	assert.Empty(t, message.Unanswered(last.Messages))

	// replaying the same history does not execute the call again
	history = append(history, res.Messages...)
	_, err = p.StreamResponse(context.Background(), Request{Messages: history, Tools: ts, NeedsApproval: needs})
	require.NoError(t, err)
	assert.Len(t, write.calls, 1)
}

func TestCallProviderCancelled(t *testing.T) {
	model := NewMockStreamer(MockStep{Text: "never"})
	p := NewCallProvider(model, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []Event
	res, err := p.StreamResponse(ctx, Request{
		Messages: []message.Message{message.User("x")},
		OnEvent:  func(ev Event) { events = append(events, ev) },
	})
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, []EventType{EventAbort}, eventTypes(events))
}

func TestCallProviderStreamError(t *testing.T) {
	model := NewMockStreamer(MockStep{Err: fmt.Errorf("rate limited")})
	p := NewCallProvider(model, nil)

	var events []Event
	res, err := p.StreamResponse(context.Background(), Request{
		Messages: []message.Message{message.User("x")},
		OnEvent:  func(ev Event) { events = append(events, ev) },
	})
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "rate limited")
	assert.Equal(t, []EventType{EventError}, eventTypes(events))
}

func TestCallProviderRoundTripLimit(t *testing.T) {
	loop := MockStep{ToolCalls: []ModelToolCall{{ID: "c", Name: "search", Input: json.RawMessage(`{}`)}}}
	model := NewMockStreamer(loop, loop, loop, loop)
	p := NewCallProvider(model, nil, WithMaxRoundTrips(2))

	res, err := p.StreamResponse(context.Background(), Request{
		Messages: []message.Message{message.User("x")},
		Tools:    []tools.Tool{&MockTool{name: "search"}},
	})
	require.NoError(t, err)
	assert.Len(t, model.Requests, 2)
	assert.Len(t, res.Messages, 4)
}

func TestGenerateTitle(t *testing.T) {
	model := NewMockStreamer(MockStep{Text: "\"Refactoring the parser.\"\n"})
	p := NewCallProvider(model, nil)

	title, err := p.GenerateTitle(context.Background(), "help me refactor the parser")
	require.NoError(t, err)
	assert.Equal(t, "Refactoring the parser", title)
	assert.Equal(t, TitlePrompt, model.Requests[0].System)
}
