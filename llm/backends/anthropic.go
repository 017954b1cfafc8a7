package backends

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
)

// AnthropicStreamer streams from the Anthropic Messages API.
type AnthropicStreamer struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicStreamer creates a new AnthropicStreamer.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicStreamer(modelName string) (*AnthropicStreamer, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicStreamer{
		client: &client,
		model:  modelName,
	}, nil
}

func (a *AnthropicStreamer) Name() string { return "anthropic" }

func (a *AnthropicStreamer) StreamModel(ctx context.Context, req llm.ModelRequest, emit func(llm.Event)) (*llm.ModelResponse, error) {
	emit = discard(emit)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens(req.MaxTokens),
		Messages:  convertMessagesToAnthropicMessages(req.Messages),
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, toolParam := range convertToolsToAnthropicTools(req.Tools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, errors.Wrapf(err, "failed to accumulate Anthropic stream")
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				emit(llm.ToolInputStart(ev.ContentBlock.Name, ev.ContentBlock.ID))
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				emit(llm.TextDelta(d.Text))
			case anthropic.ThinkingDelta:
				emit(llm.ReasoningDelta(d.Thinking))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream from Anthropic")
	}

	return processAnthropicMessage(&acc, emit), nil
}

// processAnthropicMessage converts the accumulated message and emits a
// tool-call event for every completed tool use block.
func processAnthropicMessage(msg *anthropic.Message, emit func(llm.Event)) *llm.ModelResponse {
	resp := &llm.ModelResponse{
		Usage: llm.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			CachedTokens: msg.Usage.CacheReadInputTokens,
		},
	}
	for _, content := range msg.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += c.Text
		case anthropic.ThinkingBlock:
			resp.Reasoning += c.Thinking
		case anthropic.ToolUseBlock:
			input := json.RawMessage(c.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			emit(llm.ToolCall(c.Name, c.ID, input))
			resp.ToolCalls = append(resp.ToolCalls, llm.ModelToolCall{ID: c.ID, Name: c.Name, Input: input})
		}
	}
	return resp
}

// convertMessagesToAnthropicMessages converts history to Anthropic's format.
// Reasoning parts are not replayed because they cannot be signed.
func convertMessagesToAnthropicMessages(messages []message.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range modelHistory(messages) {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range msg.Parts {
			switch p.Type {
			case message.PartText:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			case message.PartToolCall:
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    p.ToolCallID,
						Name:  p.ToolName,
						Input: rawInput(p.Input),
					},
				})
			case message.PartToolResult:
				result := &anthropic.ToolResultBlockParam{
					ToolUseID: p.ToolCallID,
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: p.Output.String()},
					}},
				}
				if p.Output.IsError() {
					result.IsError = anthropic.Bool(true)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: result})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == message.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		// Tool results travel in user messages; merge with a preceding one.
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

// convertToolsToAnthropicTools converts our Tool interface to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	var out []anthropic.ToolParam
	for _, t := range ts {
		schema := t.Parameters()
		param := anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		out = append(out, param)
	}
	return out
}

func rawInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

func maxTokens(n int64) int64 {
	if n <= 0 {
		return 4096
	}
	return n
}
