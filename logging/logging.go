// Package logging builds the process logger. Standard output belongs to the
// terminal UI or the ACP stream, so logs go to a file.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/parley/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultFile = "parley.log"

type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Path is the log file. Empty disables logging.
	Path string
}

// New returns a JSON logger appending to opts.Path.
func New(opts Options) (*zap.Logger, error) {
	if opts.Path == "" {
		return zap.NewNop(), nil
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating log directory")
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{opts.Path}
	config.ErrorOutputPaths = []string{opts.Path}
	config.Sampling = nil

	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize logger")
	}
	return logger, nil
}

func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel, errors.Wrapf(err, "invalid log level %q", s)
	}
	return level, nil
}
