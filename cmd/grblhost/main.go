// Command grblhost is a CLI harness for exercising the streaming core
// manually: connect to a port, load a job, and drive it from the
// terminal. It replaces the teacher's fyne-based main.go/square.go GUI,
// which is out of this project's scope (see DESIGN.md); this binary is
// ops/debugging tooling, not a product surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mastercactapus/grblhost/connmgr"
	"github.com/mastercactapus/grblhost/gcode"
	"github.com/mastercactapus/grblhost/hostconfig"
	"github.com/mastercactapus/grblhost/internal/obslog"
	"github.com/mastercactapus/grblhost/macro"
	"github.com/mastercactapus/grblhost/session"
	"github.com/mastercactapus/grblhost/stream"
)

func main() {
	port := flag.String("port", "", "serial device (e.g. /dev/ttyACM0)")
	jobPath := flag.String("job", "", "path to a G-code file to stream")
	startLine := flag.Int("start-line", 0, "resume from this 0-based line instead of the beginning")
	macroSlot := flag.Int("macro", 0, "run macro slot 1-8 instead of streaming a job")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := obslog.New(obslog.Options{Level: level})
	slog.SetDefault(log)

	if err := run(log, *port, *jobPath, *startLine, *macroSlot); err != nil {
		log.Error("grblhost failed", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, port, jobPath string, startLine, macroSlot int) error {
	if port == "" {
		return fmt.Errorf("grblhost: -port is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgDir, err := hostconfig.EnsureDir()
	if err != nil {
		return err
	}
	settings, err := hostconfig.Load(cfgDir)
	if err != nil {
		return err
	}
	log.Info("loaded settings", "dir", cfgDir, "status_poll_interval", settings.StatusPollInterval)

	mgr := connmgr.New(port, log)
	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	defer mgr.Disconnect()

	sess := session.New(mgr.Link(), log)
	sess.OnWriteFailure = mgr.Fail

	errCh := make(chan error, 2)
	go runReadLoopWithReconnect(ctx, log, mgr, sess, errCh)

	if macroSlot != 0 {
		return runMacro(ctx, log, sess, macroSlot)
	}

	var ctrl *stream.Controller
	if jobPath != "" {
		f, err := os.Open(jobPath)
		if err != nil {
			return fmt.Errorf("grblhost: open job: %w", err)
		}
		defer f.Close()

		c, modalSnap, err := sess.LoadJob(jobPath, bufio.NewScanner(f), startLine)
		if err != nil {
			return fmt.Errorf("grblhost: load job: %w", err)
		}
		ctrl = c
		ctrl.StopJogCancelBefore = settings.StopJogCancelBefore
		ctrl.StopImmediateReset = settings.StopImmediateReset

		if startLine > 0 {
			for _, line := range gcode.Preamble(modalSnap) {
				if err := sess.SendManual(ctx, line); err != nil {
					return fmt.Errorf("grblhost: send resume preamble: %w", err)
				}
			}
		}

		go func() { errCh <- ctrl.Run(ctx) }()

		if err := sess.StartStream(ctx, ctrl); err != nil {
			return fmt.Errorf("grblhost: start job: %w", err)
		}
		log.Info("streaming started", "job", jobPath, "lines", ctrl.Status().TotalLines)
	}

	go func() {
		errCh <- sess.StatusPoller(ctx, func() stream.State {
			if ctrl == nil {
				return stream.Idle
			}
			return ctrl.Status().State
		})
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runMacro locates macro slot n across the three search dirs (§6: the
// user's own macros dir, a portable install's sibling "macros" dir, and
// a development checkout's "macros" dir, leftmost wins), splits off its
// 4-line header, and runs the body through a macro.Executor wired
// directly onto sess (which satisfies both macro.Sender and
// macro.StatusWaiter).
func runMacro(ctx context.Context, log *slog.Logger, sess *session.Session, n int) error {
	macroDir, err := hostconfig.MacroDir()
	if err != nil {
		return fmt.Errorf("grblhost: resolve macro dir: %w", err)
	}
	dirs := macro.SearchDirs(macroDir)
	path, err := macro.Locate(dirs, n)
	if err != nil {
		return fmt.Errorf("grblhost: locate macro %d: %w", n, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("grblhost: read %s: %w", path, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	h := macro.ParseHeader(lines)
	var body []string
	if len(lines) > h.BodyStartLine {
		body = lines[h.BodyStartLine:]
	}

	exec := &macro.Executor{Send: sess, Wait: sess, Vars: macro.NewVars(), Log: log}
	log.Info("running macro", "slot", n, "path", path, "label", h.Label)
	return exec.Run(ctx, h.Label, body)
}

// runReadLoopWithReconnect runs the session's reader loop and, on an
// unexpected close that the Connection Manager's policy allows (i.e.
// not a user-initiated Disconnect), reopens the port and resumes rather
// than giving up outright. sess.Gate reflects the outage the whole time
// via ReadLoop's Gate.SetDisconnected(true), so manual/macro/stream
// sends fail fast with BlockedByDisconnect instead of hanging.
func runReadLoopWithReconnect(ctx context.Context, log *slog.Logger, mgr *connmgr.Manager, sess *session.Session, errCh chan<- error) {
	for {
		err := sess.ReadLoop(ctx)
		if ctx.Err() != nil {
			errCh <- ctx.Err()
			return
		}
		if !mgr.ShouldAutoReconnect() {
			errCh <- err
			return
		}
		log.Warn("link closed unexpectedly, reconnecting", "err", err)
		if err := mgr.Reconnect(ctx); err != nil {
			errCh <- fmt.Errorf("grblhost: reconnect: %w", err)
			return
		}
		sess.Reattach(mgr.Link())
		log.Info("reconnected")
	}
}
