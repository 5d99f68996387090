// Copyright 2025 The metanfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide structured logger, a thin
// severity-mapped wrapper over log/slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Severity levels, mapped onto slog levels. TRACE sits below slog's DEBUG.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

var severityNames = map[slog.Level]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

var (
	mu            sync.Mutex
	defaultLogger = newLogger(os.Stderr, "text", LevelInfo)
)

// ParseLevel converts a config severity string to a level. Unknown strings
// map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "OFF":
		return slog.Level(1000)
	}

	return LevelInfo
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Rename the level key and map custom severities.
			if a.Key == slog.LevelKey {
				l := a.Value.Any().(slog.Level)
				name, ok := severityNames[l]
				if !ok {
					name = l.String()
				}
				return slog.Attr{Key: "severity", Value: slog.StringValue(name)}
			}
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			return a
		},
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h)
}

// Setup replaces the process-wide logger. Call once at startup, before any
// goroutine logs.
func Setup(w io.Writer, format string, level string) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = newLogger(w, format, ParseLevel(level))
}

func log(level slog.Level, format string, v ...interface{}) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()

	if !l.Enabled(context.Background(), level) {
		return
	}

	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { log(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { log(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { log(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { log(LevelWarning, format, v...) }
func Errorf(format string, v ...interface{}) { log(LevelError, format, v...) }
