package macro

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// DirectiveKind classifies one compiled macro line.
type DirectiveKind int

const (
	DirSend DirectiveKind = iota
	DirSkip
	DirWait
	DirMsg
	DirUpdate
	DirStateReturn
)

// Directive is one compiled macro line, the Go analogue of the tuples
// bcnc_compile_line returns.
type Directive struct {
	Kind DirectiveKind
	Text string // rendered G-code for DirSend, message body for DirMsg
}

var auxPattern = regexp.MustCompile(`^(%\w+)\s*(.*)$`)

// Compile turns one raw macro line into a Directive against v, handling
// comments, %if guards, and the %wait/%msg/%update/%state_return
// directives, then running bracket substitution on anything left over.
// Grounded on macro_parser.py's bcnc_compile_line, without the Python
// exec/eval fallback (see package doc).
func Compile(line string, v *Vars) (Directive, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ";") {
		return Directive{Kind: DirSkip}, nil
	}
	if strings.HasPrefix(line, "$") {
		return Directive{Kind: DirSend, Text: line}, nil
	}
	if !strings.HasPrefix(line, "%") {
		rendered, err := Substitute(line, v)
		if err != nil {
			return Directive{}, err
		}
		return Directive{Kind: DirSend, Text: rendered}, nil
	}

	m := auxPattern.FindStringSubmatch(line)
	var cmd, args string
	if m != nil {
		cmd, args = m[1], strings.TrimSpace(m[2])
	}

	switch cmd {
	case "%wait":
		return Directive{Kind: DirWait}, nil
	case "%msg":
		return Directive{Kind: DirMsg, Text: args}, nil
	case "%update":
		return Directive{Kind: DirUpdate}, nil
	case "%state_return", "%state-return":
		return Directive{Kind: DirStateReturn}, nil
	}

	switch {
	case strings.HasPrefix(line, "%if running"):
		if !v.Bool("running") {
			return Directive{Kind: DirSkip}, nil
		}
	case strings.HasPrefix(line, "%if not running"):
		if v.Bool("running") {
			return Directive{Kind: DirSkip}, nil
		}
	case strings.HasPrefix(line, "%if paused"):
		if !v.Bool("paused") {
			return Directive{Kind: DirSkip}, nil
		}
	default:
		return Directive{}, fmt.Errorf("macro: unrecognized directive %q", line)
	}

	// the guard passed; the remainder of the line (after the "%if ..."
	// clause) is not part of this narrowed language, so the guard line
	// itself produces nothing to send.
	return Directive{Kind: DirSkip}, nil
}

// Sender sends one command line through the gate/link and optionally
// waits for it to complete, the role grbl_worker.py's _macro_send plays.
type Sender interface {
	SendAndWait(ctx context.Context, line string) error
}

// StatusWaiter exposes the freshness stamps and idle/alarm state the
// executor polls for %wait/%update/$G snapshot synchronization.
type StatusWaiter interface {
	WaitIdle(ctx context.Context, timeout time.Duration) error
	WaitStatusUpdate(ctx context.Context, timeout time.Duration) error
	IsAlarmed() bool
}

// Executor runs a compiled macro body against a Sender/StatusWaiter pair,
// snapshotting and restoring modal state around the run the way
// _run_macro_worker does.
type Executor struct {
	Send   Sender
	Wait   StatusWaiter
	Vars   *Vars
	Log    *slog.Logger
}

// Run executes body (the macro file's lines after the 4-line header) in
// order, aborting early on a compile error, an alarm, or a failed send.
func (e *Executor) Run(ctx context.Context, name string, body []string) error {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	if e.Wait.IsAlarmed() {
		return &MacroError{Kind: AlarmDuringMacro, Name: name}
	}

	saved := e.Vars.Snapshot()
	restored := false
	defer func() {
		if restored {
			return
		}
		if err := e.restoreUnits(ctx, saved); err != nil {
			log.Warn("macro unit restore failed", "macro", name, "err", err)
		}
	}()

	if err := e.Send.SendAndWait(ctx, "$G"); err != nil {
		return fmt.Errorf("macro: %s: snapshot $G: %w", name, err)
	}
	if err := e.Wait.WaitStatusUpdate(ctx, time.Second); err != nil {
		log.Warn("macro snapshot wait failed", "macro", name, "err", err)
	}

	executed := 0
	for i, raw := range body {
		if e.Wait.IsAlarmed() {
			return &MacroError{Kind: AlarmDuringMacro, Name: name, Line: i + 1}
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		dir, err := Compile(line, e.Vars)
		if err != nil {
			return &MacroError{Kind: CompileError, Name: name, Line: i + 1, Err: err}
		}
		switch dir.Kind {
		case DirSkip:
			continue
		case DirWait:
			if err := e.Wait.WaitIdle(ctx, 30*time.Second); err != nil {
				log.Warn("macro %wait timed out", "macro", name, "line", i+1)
			}
		case DirMsg:
			log.Info("macro message", "macro", name, "text", dir.Text)
		case DirUpdate:
			if err := e.Wait.WaitStatusUpdate(ctx, time.Second); err != nil {
				log.Warn("macro %update timed out", "macro", name, "line", i+1)
			}
		case DirStateReturn:
			if err := e.stateReturn(ctx, saved); err != nil {
				return fmt.Errorf("macro: %s: state_return: %w", name, err)
			}
			restored = true
		case DirSend:
			executed++
			if err := e.Send.SendAndWait(ctx, dir.Text); err != nil {
				return fmt.Errorf("macro: %s: line %d %q: %w", name, i+1, dir.Text, err)
			}
			if e.Wait.IsAlarmed() {
				return &MacroError{Kind: AlarmDuringMacro, Name: name, Line: i + 1}
			}
		}
	}
	return nil
}

func (e *Executor) restoreUnits(ctx context.Context, saved ModalSnapshot) error {
	if saved.Units == "" || e.Wait.IsAlarmed() {
		return nil
	}
	return e.Send.SendAndWait(ctx, saved.Units)
}

func (e *Executor) stateReturn(ctx context.Context, saved ModalSnapshot) error {
	if e.Wait.IsAlarmed() {
		return fmt.Errorf("state_return skipped: alarm active")
	}
	tokens := saved.RestoreTokens()
	if len(tokens) == 0 {
		return nil
	}
	return e.Send.SendAndWait(ctx, strings.Join(tokens, " "))
}
