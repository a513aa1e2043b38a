/*
Copyright 2026 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
)

var (
	logFormat string
	logLevel  string

	// structuredLoggingEnabled controls whether the S-suffixed helpers go
	// through slog or get flattened into glog lines.
	structuredLoggingEnabled atomic.Bool
)

// Init configures logging based on the parsed flags.
func Init(fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	formatFlag := fs.Lookup("log-fmt")
	if formatFlag == nil || !formatFlag.Changed {
		return nil
	}

	level, err := slogLevel(logLevel)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(logFormat)) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "logfmt":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log-fmt %q: expected json or logfmt", logFormat)
	}

	slog.SetDefault(slog.New(handler))
	structuredLoggingEnabled.Store(true)
	return nil
}

func slogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log-level %q: expected debug, info, warn, or error", level)
	}
}

func logS(level slog.Level, msg string, args ...any) {
	if !structuredLoggingEnabled.Load() {
		// Skip logS and the exported wrapper.
		args = append([]any{msg, " "}, args...)
		switch level {
		case slog.LevelWarn:
			glog.WarningDepth(2, args...)
		case slog.LevelError:
			glog.ErrorDepth(2, args...)
		default:
			glog.InfoDepth(2, args...)
		}
		return
	}

	logger := slog.Default()
	ctx := context.Background()
	if !logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, msg, pcs[0])
	record.Add(args...)
	_ = logger.Handler().Handle(ctx, record)
}

// InfoS logs at the Info level with key/value pairs.
func InfoS(msg string, args ...any) {
	logS(slog.LevelInfo, msg, args...)
}

// WarnS logs at the Warn level with key/value pairs.
func WarnS(msg string, args ...any) {
	logS(slog.LevelWarn, msg, args...)
}

// ErrorS logs at the Error level with key/value pairs.
func ErrorS(msg string, args ...any) {
	logS(slog.LevelError, msg, args...)
}

// DebugS logs at the Debug level with key/value pairs.
func DebugS(msg string, args ...any) {
	if !structuredLoggingEnabled.Load() && !bool(glog.V(1)) {
		return
	}
	logS(slog.LevelDebug, msg, args...)
}

// SetLogger replaces the structured logger used by the log package. The
// returned function restores the previous logger. Used for testing.
func SetLogger(logger *slog.Logger) func() {
	if logger == nil {
		return func() {}
	}
	previousEnabled := structuredLoggingEnabled.Load()
	previousDefault := slog.Default()

	slog.SetDefault(logger)
	structuredLoggingEnabled.Store(true)

	return func() {
		slog.SetDefault(previousDefault)
		structuredLoggingEnabled.Store(previousEnabled)
	}
}
