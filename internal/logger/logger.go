package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar slog.LevelVar
	mu       sync.RWMutex
	output   io.Writer = os.Stdout
	format             = "text"
	base     *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	base = build()
}

func build() *slog.Logger {
	w := output
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// SetOutput 重定向全部日志输出, 传 nil 恢复 stdout。
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	base = build()
	mu.Unlock()
}

// SetFormat 切换 text / json 两种 handler。
func SetFormat(f string) {
	mu.Lock()
	switch strings.ToLower(strings.TrimSpace(f)) {
	case "json":
		format = "json"
	default:
		format = "text"
	}
	base = build()
	mu.Unlock()
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "info":
		levelVar.Set(slog.LevelInfo)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func active() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = build()
	}
	return base
}

func Debugf(f string, v ...any) {
	active().Debug(fmt.Sprintf(f, v...))
}

func Infof(f string, v ...any) {
	active().Info(fmt.Sprintf(f, v...))
}

func Warnf(f string, v ...any) {
	active().Warn(fmt.Sprintf(f, v...))
}

func Errorf(f string, v ...any) {
	active().Error(fmt.Sprintf(f, v...))
}
