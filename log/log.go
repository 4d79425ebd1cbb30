// Package log provides structured logging in the style of go-ethereum's
// log package: a handful of package-level severity funcs backed by a
// slog.Logger, with TTY-aware terminal formatting.
package log

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/exp/slog"
)

var root = slog.New(NewTerminalHandler(os.Stderr, slog.LevelDebug))

// SetDefault replaces the root logger, e.g. to redirect to a file or to
// change verbosity in tests.
func SetDefault(l *slog.Logger) { root = l }

// SetLevel rebuilds the root logger at the given severity, keeping
// terminal-aware formatting on stderr. Callers that want a custom
// handler entirely should use SetDefault instead.
func SetLevel(level slog.Level) {
	root = slog.New(NewTerminalHandler(os.Stderr, level))
}

// New returns a logger that prefixes every record with the given
// key/value context, the way log.New("component", "historysync") does
// in go-ethereum.
func New(ctx ...any) *slog.Logger { return root.With(ctx...) }

func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// Crit logs at error level and terminates the process; reserved for
// invariant violations the engine cannot recover from.
func Crit(msg string, ctx ...any) {
	root.Error(msg, ctx...)
	os.Exit(1)
}

// NewTerminalHandler builds a text handler that colorizes output when w
// is a genuine terminal, matching go-ethereum's log.TerminalFormat.
func NewTerminalHandler(w io.Writer, level slog.Leveler) slog.Handler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	out := w
	if useColor {
		out = colorable.NewColorable(w.(*os.File))
	}
	return slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
}
