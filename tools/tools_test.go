package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/tools/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestReadWriteFile(t *testing.T) {
	chdir(t, t.TempDir())
	access := &config.FilesystemAccess{
		Hidden:   []string{"secrets/**"},
		ReadOnly: []string{"vendor/**"},
	}
	write := NewWriteFileTool(access)
	read := NewReadFileTool(access)
	ctx := context.Background()

	out, err := write.Execute(ctx, map[string]interface{}{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Contains(t, out, "5 bytes")

	got, err := read.Execute(ctx, map[string]interface{}{"path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = write.Execute(ctx, map[string]interface{}{"path": "vendor/x.go", "content": "x"})
	assert.ErrorContains(t, err, "read-only")

	require.NoError(t, os.MkdirAll("secrets", 0755))
	require.NoError(t, os.WriteFile(filepath.Join("secrets", "key"), []byte("k"), 0644))
	_, err = read.Execute(ctx, map[string]interface{}{"path": "secrets/key"})
	assert.ErrorContains(t, err, "hidden")

	_, err = read.Execute(ctx, map[string]interface{}{})
	assert.ErrorContains(t, err, "path")
}

func TestIsCommandAllowed(t *testing.T) {
	logger := zap.NewNop()
	allowed := []string{`^go (test|vet)( .*)?$`, `^ls$`}

	assert.True(t, isCommandAllowed("go test ./...", allowed, logger))
	assert.True(t, isCommandAllowed("ls", allowed, logger))
	assert.False(t, isCommandAllowed("rm -rf /", allowed, logger))
	assert.False(t, isCommandAllowed("   ", allowed, logger))
	// invalid regex falls back to exact comparison
	assert.True(t, isCommandAllowed("a(b", []string{"a(b"}, logger))
}

func TestExecuteCommandRejected(t *testing.T) {
	tool := NewExecuteCommandTool(nil, nil)
	_, err := tool.Execute(context.Background(), map[string]interface{}{"command": "ls"})
	assert.ErrorContains(t, err, "not in the list of allowed commands")
	assert.Contains(t, tool.Description(), "No commands")
}

func TestExecuteJSON(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.WriteFile("f.txt", []byte("data"), 0644))
	read := NewReadFileTool(&config.FilesystemAccess{})

	out, err := ExecuteJSON(context.Background(), read, json.RawMessage(`{"path":"f.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "data", out)

	_, err = ExecuteJSON(context.Background(), read, json.RawMessage(`{not json`))
	assert.ErrorContains(t, err, "invalid arguments")
}

func TestGetActiveTools(t *testing.T) {
	cfg := &config.Config{}
	r := NewToolRegistry(context.Background(), cfg, nil)

	active, err := r.GetActiveTools(&config.Toolset{Name: "default", Tools: []string{"read_file", "execute_command"}})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "read_file", active[0].Name())

	_, err = r.GetActiveTools(&config.Toolset{Name: "x", Tools: []string{"teleport"}})
	assert.ErrorContains(t, err, "not registered")

	// unknown MCP servers are skipped rather than failing the toolset
	active, err = r.GetActiveTools(&config.Toolset{Name: "x", Tools: []string{"gopls:*"}})
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.NoError(t, r.Close())
}

func TestMCPNamesMatchApprovalDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	assert.True(t, cfg.RequiresApproval("gopls"+mcp.NameSeparator+"rename"))
}
