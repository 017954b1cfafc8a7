package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/tools/mcp"
	"go.uber.org/zap"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ExecuteJSON decodes raw tool input and runs t.
func ExecuteJSON(ctx context.Context, t Tool, input json.RawMessage) (string, error) {
	args := map[string]interface{}{}
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", errors.Wrapf(err, "invalid arguments for tool '%s'", t.Name())
		}
	}
	return t.Execute(ctx, args)
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	tools      map[string]Tool
	mcpClients map[string]*mcp.MCPClient
	logger     *zap.Logger
}

// NewToolRegistry registers the built-in tools and starts every configured
// MCP server. Servers that fail to start are logged and skipped.
func NewToolRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) *ToolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
		logger:     logger,
	}

	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands, logger: logger})

	for _, server := range cfg.AdditionalMCPServers {
		client, err := mcp.NewMCPClient(ctx, server.Name, server.Command, server.Args, logger)
		if err != nil {
			logger.Warn("mcp server unavailable", zap.String("server", server.Name), zap.Error(err))
			continue
		}
		r.mcpClients[server.Name] = client
	}
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// GetActiveTools returns the tool instances for a given toolset. MCP tools are
// written as "<server>:<tool>"; the tool part may be a glob such as "gopls:*".
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	for _, toolName := range ts.Tools {
		if server, pattern, ok := strings.Cut(toolName, ":"); ok {
			client, found := r.mcpClients[server]
			if !found {
				r.logger.Warn("toolset references unknown mcp server",
					zap.String("toolset", ts.Name), zap.String("server", server))
				continue
			}
			matched, err := client.MatchTools(pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "toolset '%s'", ts.Name)
			}
			for _, t := range matched {
				activeTools = append(activeTools, t)
			}
			continue
		}

		if t, ok := r.GetTool(toolName); ok {
			activeTools = append(activeTools, t)
		} else {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
	}
	return activeTools, nil
}

// Close stops every MCP server subprocess.
func (r *ToolRegistry) Close() error {
	names := make([]string, 0, len(r.mcpClients))
	for name := range r.mcpClients {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := r.mcpClients[name].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string, logger *zap.Logger) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid regex in allowed_commands", zap.String("pattern", pattern), zap.Error(err))
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
