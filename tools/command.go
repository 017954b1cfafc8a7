package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/parley/errors"
	"go.uber.org/zap"
)

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowedCommands []string
	logger          *zap.Logger
}

func NewExecuteCommandTool(allowed []string, logger *zap.Logger) *ExecuteCommandTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecuteCommandTool{allowedCommands: allowed, logger: logger}
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a shell command. No commands are currently allowed."
	}

	var b strings.Builder
	b.WriteString("Executes a shell command.\nAllowed command patterns:\n")
	for _, cmd := range t.allowedCommands {
		fmt.Fprintf(&b, "- %s\n", cmd)
	}
	return b.String()
}

func (t *ExecuteCommandTool) Parameters() map[string]any {
	return objectSchema([]string{"command"}, map[string]any{
		"command": stringProp("Command line to run. It is split on whitespace; no shell is involved."),
	})
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'command' argument")
	}

	if !isCommandAllowed(command, t.allowedCommands, t.logger) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	t.logger.Debug("executing command", zap.String("command", command))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}

	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}
