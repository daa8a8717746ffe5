package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New returns a controller-runtime logger configured with the given level string.
func New(level string) (logr.Logger, error) {
	return NewTo(level, os.Stderr)
}

// NewTo is New with an explicit destination, normally the command's stderr.
func NewTo(level string, w io.Writer) (logr.Logger, error) {
	opts := crzap.Options{}
	var zapLevel zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		opts.Development = true
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return logr.Logger{}, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
	atomic := zap.NewAtomicLevelAt(zapLevel)
	opts.Level = &atomic
	if w != nil {
		opts.DestWriter = w
	}
	return crzap.New(crzap.UseFlagOptions(&opts)), nil
}

// Redact replaces every occurrence of secret in args, for logging command lines.
func Redact(args []string, secret string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if secret != "" && strings.Contains(a, secret) {
			a = strings.ReplaceAll(a, secret, "<redacted>")
		}
		out[i] = a
	}
	return out
}
