// Package obslog builds the structured logger used across grblhost.
//
// Every worker goroutine (reader, writer, controller, status poll, macro
// executor) logs through the same *slog.Logger so interleaved output from
// concurrent goroutines stays attributable, unlike the teacher's bare
// log.Println calls which were fine for a single-writer websocket client
// but would interleave unreadably once multiple goroutines write directly.
package obslog

import (
	"io"
	"log/slog"
	"os"

	"github.com/phsym/console-slog"
)

// Options controls logger construction.
type Options struct {
	Level  slog.Level
	Writer io.Writer
	NoTime bool
}

// New builds a console-backed slog.Logger. A nil Writer defaults to stderr,
// matching where the teacher's log.Println output went.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	h := console.NewHandler(w, &console.HandlerOptions{
		Level:      opts.Level,
		TimeFormat: timeFormat(opts.NoTime),
	})

	return slog.New(h)
}

func timeFormat(noTime bool) string {
	if noTime {
		return ""
	}
	return "15:04:05.000"
}

// StatusLevel honors the "Idle suppresses console logging" invariant:
// Idle status reports log at Debug, everything else at Info.
func StatusLevel(state string) slog.Level {
	if state == "Idle" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
