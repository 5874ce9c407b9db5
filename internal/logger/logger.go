// Package logger builds the engine's structured logger: a console handler
// (TTY-aware coloring) fanned out alongside a JSON file handler, using
// mattn/go-colorable + mattn/go-isatty for headless-CLI color detection and
// fatih/color for the level-string formatting itself.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgHiBlack),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed),
}

// ConsoleHandler renders one line per record, colored when writing to a
// real terminal and plain otherwise (so redirecting to a file or a CI log
// never embeds escape codes).
type ConsoleHandler struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
	attrs []slog.Attr
}

// NewConsoleHandler wraps out with colorable.NewColorable itself, so ANSI
// sequences render on Windows consoles too, and colors output only when
// out is a terminal.
func NewConsoleHandler(out *os.File) *ConsoleHandler {
	return &ConsoleHandler{
		out:   colorable.NewColorable(out),
		color: isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()),
	}
}

func (h *ConsoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelStr := fmt.Sprintf("%-5s", r.Level.String())
	if h.color {
		if c, ok := levelColors[r.Level]; ok {
			levelStr = c.Sprint(levelStr)
		}
	}
	line := fmt.Sprintf("%s [%s] %s", levelStr, r.Time.Format(time.TimeOnly), r.Message)

	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ConsoleHandler{out: h.out, color: h.color, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *ConsoleHandler) WithGroup(string) slog.Handler { return h }

// FanoutHandler dispatches one record to every handler, matching the
// "call every handler, ignore individual errors" idiom so a
// broken file sink never silences the console.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r.Clone())
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}

// New builds the process logger: JSON lines under <root>/.state/logs/app.json
// fanned out alongside a colored console handler on consoleOutput.
func New(root string, consoleOutput *os.File) (*slog.Logger, error) {
	logDir := filepath.Join(root, ".state", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: creating log dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: opening log file: %w", err)
	}

	handler := &FanoutHandler{
		handlers: []slog.Handler{
			slog.NewJSONHandler(f, nil),
			NewConsoleHandler(consoleOutput),
		},
	}
	return slog.New(handler), nil
}
