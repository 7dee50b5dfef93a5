// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides the daemon's structured logging API: a small
// package-level wrapper over log/slog with a severity vocabulary wider
// than slog's own (TRACE and an OFF sentinel bracket slog's four builtin
// levels) and a choice of human-readable text or machine-readable JSON
// output.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names, shared by the CLI, the config file, and every log line
// this package emits.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Level constants extend slog's builtin levels with TRACE (below Debug)
// and OFF (above Error), spaced the same four units apart slog itself
// uses between Debug/Info/Warn/Error.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// textTimeLayout is the exact 26-character timestamp rendered in text
// mode: "2006/01/02 15:04:05.000000".
const textTimeLayout = "2006/01/02 15:04:05.000000"

// asyncLogBufferSize bounds how many pending lines a file-backed logger
// buffers before it starts dropping messages rather than blocking the
// caller on a stalled disk.
const asyncLogBufferSize = 1000

// LogRotateConfig mirrors the fields of lumberjack.Logger the daemon
// exposes through its own configuration surface.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig is used when a file-backed logger is requested
// without explicit rotation settings.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

// Config selects the logger's output format, minimum severity, and
// optional log file destination.
type Config struct {
	FilePath        string
	Format          string // "text" or "json"; anything else behaves as "json"
	Severity        string
	LogRotateConfig LogRotateConfig
}

// loggerFactory owns the state defaultLogger was built from, so tests and
// InitLogFile can inspect or rebuild it.
type loggerFactory struct {
	format          string
	file            *os.File
	sysWriter       io.Writer // optional mirror writer (e.g. syslog); unused by this daemon
	level           string
	logRotateConfig LogRotateConfig

	out io.Writer // actual destination; os.Stderr unless InitLogFile was called
}

func (f *loggerFactory) writer() io.Writer {
	if f.out != nil {
		return f.out
	}
	return os.Stderr
}

// createJsonOrTextHandler builds the slog.Handler defaultLogger logs
// through, writing either text or JSON lines prefixed with prefix,
// gated by programLevel.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	format := f.format
	if format != "text" {
		format = "json"
	}
	return &severityHandler{
		w:      w,
		level:  programLevel,
		format: format,
		prefix: prefix,
	}
}

var (
	programLevel         = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{
		format:          "json",
		level:           INFO,
		logRotateConfig: DefaultLogRotateConfig(),
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
)

func init() {
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
}

// setLoggingLevel maps a Severity name onto the slog.LevelVar gating a
// handler. Unrecognized names behave as INFO.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case TRACE:
		programLevel.Set(LevelTrace)
	case DEBUG:
		programLevel.Set(LevelDebug)
	case WARNING:
		programLevel.Set(LevelWarn)
	case ERROR:
		programLevel.Set(LevelError)
	case OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// SetLogFormat switches defaultLogger between text and JSON output,
// keeping the current destination and severity level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.writer(), programLevel, ""))
}

// InitLogFile redirects defaultLogger to a rotating log file. The file is
// opened directly (so callers can introspect its name and close it at
// shutdown) while the actual write path goes through a lumberjack-backed
// AsyncLogger, so a stalled disk never blocks the dispatch thread that
// produced the log line.
func InitLogFile(cfg Config) error {
	f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("logger: opening log file %q: %w", cfg.FilePath, err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.LogRotateConfig.MaxFileSizeMB,
		MaxBackups: cfg.LogRotateConfig.BackupFileCount,
		Compress:   cfg.LogRotateConfig.Compress,
	}

	defaultLoggerFactory = &loggerFactory{
		format:          cfg.Format,
		file:            f,
		level:           cfg.Severity,
		logRotateConfig: cfg.LogRotateConfig,
		out:             NewAsyncLogger(rotator, asyncLogBufferSize),
	}

	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.out, programLevel, ""))
	return nil
}

// severityHandler is a minimal slog.Handler rendering exactly the text or
// JSON line shape the daemon's log consumers expect.
type severityHandler struct {
	mu     sync.Mutex
	w      io.Writer
	level  *slog.LevelVar
	format string
	prefix string
}

func (h *severityHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *severityHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	message := h.prefix + r.Message
	severity := severityName(r.Level)

	if h.format == "text" {
		line := fmt.Sprintf("time=%q severity=%s message=%q\n", r.Time.Format(textTimeLayout), severity, message)
		_, err := io.WriteString(h.w, line)
		return err
	}

	entry := struct {
		Timestamp struct {
			Seconds int64 `json:"seconds"`
			Nanos   int64 `json:"nanos"`
		} `json:"timestamp"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}{}
	entry.Timestamp.Seconds = r.Time.Unix()
	entry.Timestamp.Nanos = int64(r.Time.Nanosecond())
	entry.Severity = severity
	entry.Message = message

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = h.w.Write(data)
	return err
}

func (h *severityHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *severityHandler) WithGroup(_ string) slog.Handler      { return h }

func severityName(level slog.Level) string {
	switch {
	case level < LevelDebug:
		return TRACE
	case level < LevelInfo:
		return DEBUG
	case level < LevelWarn:
		return INFO
	case level < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

func logAt(level slog.Level, msg string) {
	defaultLogger.Log(context.Background(), level, msg)
}

func Tracef(format string, v ...any) { logAt(LevelTrace, fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...any) { logAt(LevelDebug, fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { logAt(LevelInfo, fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { logAt(LevelWarn, fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { logAt(LevelError, fmt.Sprintf(format, v...)) }

func Info(args ...any)  { logAt(LevelInfo, fmt.Sprint(args...)) }
func Warn(args ...any)  { logAt(LevelWarn, fmt.Sprint(args...)) }
func Error(args ...any) { logAt(LevelError, fmt.Sprint(args...)) }

// Fatal logs at ERROR severity and terminates the process, matching the
// teacher's convention for unrecoverable startup failures.
func Fatal(args ...any) {
	logAt(LevelError, fmt.Sprint(args...))
	os.Exit(1)
}
