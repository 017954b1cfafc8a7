package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
)

// BedrockStreamer streams Anthropic models on AWS Bedrock.
type BedrockStreamer struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockStreamer creates a new BedrockStreamer.
// It requires AWS credentials to be configured in the environment.
// BEDROCK_ENDPOINT_URL overrides the service endpoint.
func NewBedrockStreamer(ctx context.Context, modelID string) (*BedrockStreamer, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*bedrockruntime.Options)
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockStreamer{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
	}, nil
}

func (b *BedrockStreamer) Name() string { return "bedrock" }

func (b *BedrockStreamer) StreamModel(ctx context.Context, req llm.ModelRequest, emit func(llm.Event)) (*llm.ModelResponse, error) {
	emit = discard(emit)
	body, err := createAnthropicRequest(convertMessagesToAnthropicFormat(req.Messages), req.System, maxTokens(req.MaxTokens), req.Tools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}
	modelID := b.modelID
	if req.Model != "" {
		modelID = req.Model
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	stream := out.GetStream()
	defer stream.Close()

	state := newBedrockStreamState()
	for ev := range stream.Events() {
		chunk, ok := ev.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		if err := state.handle(chunk.Value.Bytes, emit); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream from Bedrock")
	}
	return state.response(), nil
}

// bedrockChunk is one Anthropic streaming event as delivered by Bedrock.
type bedrockChunk struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type bedrockToolUse struct {
	id, name string
	input    strings.Builder
}

// bedrockStreamState accumulates content blocks by index.
type bedrockStreamState struct {
	resp  llm.ModelResponse
	tools map[int]*bedrockToolUse
}

func newBedrockStreamState() *bedrockStreamState {
	return &bedrockStreamState{tools: make(map[int]*bedrockToolUse)}
}

func (s *bedrockStreamState) handle(data []byte, emit func(llm.Event)) error {
	var c bedrockChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return errors.Wrapf(err, "failed to decode Bedrock chunk")
	}
	switch c.Type {
	case "message_start":
		s.resp.Usage.InputTokens = c.Message.Usage.InputTokens
	case "content_block_start":
		if c.ContentBlock.Type == "tool_use" {
			id := c.ContentBlock.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", len(s.resp.ToolCalls)+len(s.tools), c.ContentBlock.Name)
			}
			s.tools[c.Index] = &bedrockToolUse{id: id, name: c.ContentBlock.Name}
			emit(llm.ToolInputStart(c.ContentBlock.Name, id))
		} else if c.ContentBlock.Text != "" {
			s.resp.Text += c.ContentBlock.Text
			emit(llm.TextDelta(c.ContentBlock.Text))
		}
	case "content_block_delta":
		switch c.Delta.Type {
		case "text_delta":
			s.resp.Text += c.Delta.Text
			emit(llm.TextDelta(c.Delta.Text))
		case "thinking_delta":
			s.resp.Reasoning += c.Delta.Thinking
			emit(llm.ReasoningDelta(c.Delta.Thinking))
		case "input_json_delta":
			if t, ok := s.tools[c.Index]; ok {
				t.input.WriteString(c.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		t, ok := s.tools[c.Index]
		if !ok {
			return nil
		}
		delete(s.tools, c.Index)
		input := json.RawMessage(t.input.String())
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		emit(llm.ToolCall(t.name, t.id, input))
		s.resp.ToolCalls = append(s.resp.ToolCalls, llm.ModelToolCall{ID: t.id, Name: t.name, Input: input})
	case "message_delta":
		s.resp.Usage.OutputTokens += c.Usage.OutputTokens
	case "error":
		return errors.New("Bedrock API error: %s", c.Error.Message)
	}
	return nil
}

func (s *bedrockStreamState) response() *llm.ModelResponse {
	resp := s.resp
	return &resp
}

// convertMessagesToAnthropicFormat converts our internal message format to
// the Anthropic JSON used in Bedrock request bodies.
func convertMessagesToAnthropicFormat(messages []message.Message) []map[string]interface{} {
	var out []map[string]interface{}
	for _, msg := range modelHistory(messages) {
		var content []map[string]interface{}
		for _, p := range msg.Parts {
			switch p.Type {
			case message.PartText:
				if p.Text != "" {
					content = append(content, map[string]interface{}{"type": "text", "text": p.Text})
				}
			case message.PartToolCall:
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    p.ToolCallID,
					"name":  p.ToolName,
					"input": rawInput(p.Input),
				})
			case message.PartToolResult:
				result := map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": p.ToolCallID,
					"content":     p.Output.String(),
				}
				if p.Output.IsError() {
					result["is_error"] = true
				}
				content = append(content, result)
			}
		}
		if len(content) == 0 {
			continue
		}
		role := "user"
		if msg.Role == message.RoleAssistant {
			role = "assistant"
		}
		if n := len(out); n > 0 && out[n-1]["role"] == role {
			prev := out[n-1]["content"].([]map[string]interface{})
			out[n-1]["content"] = append(prev, content...)
			continue
		}
		out = append(out, map[string]interface{}{"role": role, "content": content})
	}
	return out
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, maxTokens int64, availableTools []tools.Tool) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var ts []map[string]interface{}
		for _, tool := range availableTools {
			ts = append(ts, map[string]interface{}{
				"name":         tool.Name(),
				"description":  tool.Description(),
				"input_schema": tool.Parameters(),
			})
		}
		request["tools"] = ts
	}

	return json.Marshal(request)
}
