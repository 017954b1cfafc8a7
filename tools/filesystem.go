package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func NewReadFileTool(access *config.FilesystemAccess) *ReadFileTool {
	return &ReadFileTool{fsAccess: access}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{
		"path": stringProp("Path of the file to read, relative to the working directory."),
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}
	path = filepath.Clean(path)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func NewWriteFileTool(access *config.FilesystemAccess) *WriteFileTool {
	return &WriteFileTool{fsAccess: access}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Parent directories are created."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]any{
		"path":    stringProp("Path of the file to write."),
		"content": stringProp("Full new content of the file."),
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	path = filepath.Clean(path)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	readOnly, err := isPathRestricted(path, t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "failed to create directory '%s'", dir)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}
