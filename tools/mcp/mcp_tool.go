package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/parley/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// NameSeparator joins server and tool names in the name exposed to models.
// Some providers reject ':' and '.' in function names.
const NameSeparator = "__"

// toolCaller is the subset of the MCP client session used by tools.
type toolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	caller toolCaller
	tools  map[string]*MCPTool
	logger *zap.Logger
}

// NewMCPClient starts the MCP server subprocess and initializes the client.
// It is responsible for discovering the tools provided by the server.
func NewMCPClient(ctx context.Context, name, command string, args []string, logger *zap.Logger) (*MCPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "parley", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &MCPClient{
		Name:   name,
		cmd:    cmd,
		conn:   conn,
		caller: conn,
		tools:  make(map[string]*MCPTool),
		logger: logger,
	}
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range list.Tools {
			client.addTool(t.Name, t.Description, schemaMap(t.InputSchema))
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("mcp client initialized", zap.String("server", name), zap.Int("tools", len(client.tools)))
	return client, nil
}

func (c *MCPClient) addTool(name, description string, schema map[string]any) {
	c.tools[name] = &MCPTool{
		serverName:  c.Name,
		toolName:    name,
		description: description,
		schema:      schema,
		client:      c,
	}
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *MCPClient) GetTool(toolName string) (*MCPTool, bool) {
	tool, ok := c.tools[toolName]
	return tool, ok
}

// MatchTools returns the server's tools whose short name matches pattern,
// sorted by name.
func (c *MCPClient) MatchTools(pattern string) ([]*MCPTool, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.New("invalid tool pattern '%s:%s'", c.Name, pattern)
	}
	var out []*MCPTool
	for name, t := range c.tools {
		if ok, _ := doublestar.Match(pattern, name); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].toolName < out[j].toolName })
	return out, nil
}

// Stop terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating mcp server", zap.String("server", c.Name))
		return c.cmd.Process.Kill()
	}
	return nil
}

// MCPTool represents a tool available from an external MCP server.
// It satisfies the tools.Tool interface of the parent package.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *MCPClient
}

// Name returns "<server>__<tool>".
func (t *MCPTool) Name() string {
	return t.serverName + NameSeparator + t.toolName
}

func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Parameters() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.schema
}

// Execute sends the arguments to the MCP server and returns the concatenated
// text content of the result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.caller.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var b strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", t.Name(), b.String())
	}
	return b.String(), nil
}

func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (t *MCPTool) String() string {
	return fmt.Sprintf("mcp tool %s", t.Name())
}
