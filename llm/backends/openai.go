package backends

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIStreamer streams from the OpenAI Chat Completion API.
type OpenAIStreamer struct {
	client *openai.Client
	model  string
}

// NewOpenAIStreamer creates a new OpenAIStreamer. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAIStreamer(modelName string) (*OpenAIStreamer, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAIStreamer{client: &c, model: modelName}, nil
}

func (o *OpenAIStreamer) Name() string { return "openai" }

func (o *OpenAIStreamer) StreamModel(ctx context.Context, req llm.ModelRequest, emit func(llm.Event)) (*llm.ModelResponse, error) {
	emit = discard(emit)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(req.System, req.Messages),
		Tools:    convertToolsToOpenAITools(req.Tools),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Model != "" {
		params.Model = openai.ChatModel(req.Model)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				emit(llm.ToolInputStart(tc.Function.Name, tc.ID))
			}
		}
		if delta.Content != "" {
			emit(llm.TextDelta(delta.Content))
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream from OpenAI")
	}

	return processOpenaiCompletion(&acc.ChatCompletion, emit), nil
}

// processOpenaiCompletion converts the accumulated completion. Tool calls are
// emitted once complete; the stream only announces their start.
func processOpenaiCompletion(resp *openai.ChatCompletion, emit func(llm.Event)) *llm.ModelResponse {
	out := &llm.ModelResponse{
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			CachedTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0].Message
	out.Text = choice.Content
	for _, tc := range choice.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		emit(llm.ToolCall(tc.Function.Name, tc.ID, input))
		out.ToolCalls = append(out.ToolCalls, llm.ModelToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return out
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
// Every tool result becomes its own tool message.
func convertMessagesToOpenaiContent(system string, messages []message.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range modelHistory(messages) {
		switch msg.Role {
		case message.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls() {
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ToolCallID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.ToolName,
						Arguments: string(rawInput(tc.Input)),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case message.RoleTool:
			for _, p := range msg.Parts {
				if p.Type == message.PartToolResult {
					chatMessages = append(chatMessages, openai.ToolMessage(p.Output.String(), p.ToolCallID))
				}
			}
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Text()))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts our Tool interface to the OpenAI Tool format.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  openai.FunctionParameters(t.Parameters()),
		}))
	}
	return openAITools
}
