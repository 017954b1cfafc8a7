package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiStreamer streams from the Google Gemini API. Gemini function calls
// carry no ids, so calls are numbered per response.
type GeminiStreamer struct {
	client    *genai.Client
	modelName string
}

// NewGeminiStreamer creates a new GeminiStreamer.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiStreamer(ctx context.Context, modelName string) (*GeminiStreamer, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiStreamer{client: client, modelName: modelName}, nil
}

func (g *GeminiStreamer) Name() string { return "gemini" }

func (g *GeminiStreamer) StreamModel(ctx context.Context, req llm.ModelRequest, emit func(llm.Event)) (*llm.ModelResponse, error) {
	emit = discard(emit)
	name := g.modelName
	if req.Model != "" {
		name = req.Model
	}
	model := g.client.GenerativeModel(name)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	history := convertMessagesToGeminiContent(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("gemini request has no messages")
	}
	last := history[len(history)-1]
	cs := model.StartChat()
	cs.History = history[:len(history)-1]

	resp := &llm.ModelResponse{}
	iter := cs.SendMessageStream(ctx, last.Parts...)
	for {
		chunk, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stream from Gemini")
		}
		if chunk.UsageMetadata != nil {
			resp.Usage = llm.Usage{
				InputTokens:  int64(chunk.UsageMetadata.PromptTokenCount),
				OutputTokens: int64(chunk.UsageMetadata.CandidatesTokenCount),
				CachedTokens: int64(chunk.UsageMetadata.CachedContentTokenCount),
			}
		}
		processGeminiChunk(chunk, resp, emit)
	}
	return resp, nil
}

// processGeminiChunk folds one streamed response into resp.
func processGeminiChunk(chunk *genai.GenerateContentResponse, resp *llm.ModelResponse, emit func(llm.Event)) {
	if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
		return
	}
	for _, part := range chunk.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			if v != "" {
				resp.Text += string(v)
				emit(llm.TextDelta(string(v)))
			}
		case genai.FunctionCall:
			id := fmt.Sprintf("call_%d_%s", len(resp.ToolCalls), v.Name)
			input, err := json.Marshal(v.Args)
			if err != nil || v.Args == nil {
				input = json.RawMessage(`{}`)
			}
			emit(llm.ToolInputStart(v.Name, id))
			emit(llm.ToolCall(v.Name, id, input))
			resp.ToolCalls = append(resp.ToolCalls, llm.ModelToolCall{ID: id, Name: v.Name, Input: input})
		}
	}
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
// Tool results are sent as function responses in user content.
func convertMessagesToGeminiContent(messages []message.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range modelHistory(messages) {
		role := "user"
		if msg.Role == message.RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		for _, p := range msg.Parts {
			switch p.Type {
			case message.PartText:
				if p.Text != "" {
					parts = append(parts, genai.Text(p.Text))
				}
			case message.PartToolCall:
				args := map[string]any{}
				_ = json.Unmarshal(p.Input, &args)
				parts = append(parts, genai.FunctionCall{Name: p.ToolName, Args: args})
			case message.PartToolResult:
				key := "output"
				if p.Output.IsError() {
					key = "error"
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     p.ToolName,
					Response: map[string]any{key: p.Output.String()},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  toGeminiSchema(tool.Parameters()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// toGeminiSchema converts the subset of JSON schema our tools use.
func toGeminiSchema(s map[string]any) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{}
	switch s["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if props, ok := s["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = toGeminiSchema(items)
	}
	switch req := s["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				out.Required = append(out.Required, name)
			}
		}
	}
	switch enum := s["enum"].(type) {
	case []string:
		out.Enum = enum
	case []any:
		for _, e := range enum {
			if v, ok := e.(string); ok {
				out.Enum = append(out.Enum, v)
			}
		}
	}
	return out
}
