package llm

import "context"

// MockTool is a simple mock tool for testing
type MockTool struct {
	name        string
	description string
	result      string
	err         error
	calls       []map[string]interface{}
}

func (m *MockTool) Name() string {
	return m.name
}

func (m *MockTool) Description() string {
	return m.description
}

func (m *MockTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "what to look up"},
		},
		"required": []string{"query"},
	}
}

func (m *MockTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	m.calls = append(m.calls, args)
	if m.err != nil {
		return "", m.err
	}
	if m.result == "" {
		return "mock result", nil
	}
	return m.result, nil
}
