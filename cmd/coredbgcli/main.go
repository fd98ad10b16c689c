//go:build windows

// Command coredbgcli demonstrates the public surface: attach to a
// target by PID or image name, launch one fresh, or open by name with
// a launch fallback, wait for the initial breakpoint, then loop on
// single-character commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
	"gopkg.in/urfave/cli.v2"

	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/disasm/x86"
	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg/windows"
	"github.com/coredbg/coredbg/session"
)

func main() {
	log := dbglog.New(os.Stderr)

	app := &cli.App{
		Name:    "coredbgcli",
		Usage:   "attach to or launch a Windows process under debug control",
		Version: "v0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "attach",
				Usage: "attach to a running process by PID",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "pid", Aliases: []string{"p"}, Usage: "process ID", Required: true},
				},
				Action: func(c *cli.Context) error {
					return runAttach(uint32(c.Int("pid")), log)
				},
			},
			{
				Name:  "launch",
				Usage: "launch a process under debug control",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Aliases: []string{"e"}, Usage: "executable path", Required: true},
				},
				Action: func(c *cli.Context) error {
					return runLaunch(c.String("path"), c.Args().Slice(), log)
				},
			},
			{
				Name:  "open",
				Usage: "attach to a running process by image name, launching path if it is not running",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "image name to find, e.g. notepad.exe", Required: true},
					&cli.StringFlag{Name: "path", Aliases: []string{"e"}, Usage: "executable path to launch if name is not running"},
				},
				Action: func(c *cli.Context) error {
					return runOpen(c.String("name"), c.String("path"), c.Args().Slice(), log)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAttach(pid uint32, log dbglog.Logger) error {
	sess := session.New(windows.New(log), x86.New(), session.Config{}, log)
	ctx := context.Background()
	if err := sess.Attach(ctx, pid); err != nil {
		return fmt.Errorf("coredbgcli: attach: %w", err)
	}
	defer sess.Close()
	return commandLoop(sess, log)
}

func runLaunch(path string, args []string, log dbglog.Logger) error {
	sess := session.New(windows.New(log), x86.New(), session.Config{}, log)
	ctx := context.Background()
	if err := sess.Launch(ctx, path, args); err != nil {
		return fmt.Errorf("coredbgcli: launch: %w", err)
	}
	defer sess.Close()
	return commandLoop(sess, log)
}

// runOpen implements spec §6's "open target by name (or create if
// absent)": attach to a running process matching name, falling back to
// launching path when name is not found among running processes.
func runOpen(name, path string, args []string, log dbglog.Logger) error {
	sess := session.New(windows.New(log), x86.New(), session.Config{}, log)
	ctx := context.Background()

	err := sess.AttachByName(ctx, name)
	switch {
	case err == nil:
		defer sess.Close()
		return commandLoop(sess, log)
	case errors.Is(err, errs.NotFound):
		if path == "" {
			return fmt.Errorf("coredbgcli: open: %q is not running and no --path was given to launch it", name)
		}
		if err := sess.Launch(ctx, path, args); err != nil {
			return fmt.Errorf("coredbgcli: open: launch %q: %w", path, err)
		}
		defer sess.Close()
		return commandLoop(sess, log)
	default:
		return fmt.Errorf("coredbgcli: open: %w", err)
	}
}

// commandLoop reads raw single-character commands from stdin, the
// interaction shape spec §6 names exactly: p/g/r/si/so/d/q/exit/quit.
func commandLoop(sess *session.Session, log dbglog.Logger) error {
	for !sess.Breakpoints.InitialBreakpointHit() {
		select {
		case <-sess.Loop.Done():
			return fmt.Errorf("coredbgcli: target exited before the initial breakpoint")
		case <-time.After(10 * time.Millisecond):
		}
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("coredbgcli: raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprint(os.Stdout, "coredbgcli ready. p/g/r/si/so/d/q, ?=help\r\n")

	var line strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return err
		}
		b := buf[0]
		if b == '\r' || b == '\n' {
			cmd := strings.TrimSpace(line.String())
			line.Reset()
			fmt.Fprint(os.Stdout, "\r\n")
			if cmd == "" {
				continue
			}
			exit, err := dispatch(sess, cmd, log)
			if err != nil {
				fmt.Fprintf(os.Stdout, "error: %v\r\n", err)
			}
			if exit {
				return nil
			}
			continue
		}
		line.WriteByte(b)
		os.Stdout.Write(buf)
	}
}

func dispatch(sess *session.Session, cmd string, log dbglog.Logger) (exit bool, err error) {
	switch cmd {
	case "p":
		return false, sess.Loop.Pause()
	case "g", "r":
		sess.Loop.Resume()
		return false, nil
	case "si":
		return false, sess.Step.StepInto()
	case "so":
		return false, sess.Step.StepOver()
	case "d":
		return false, disassembleCurrent(sess)
	case "q", "exit", "quit":
		return true, nil
	case "?", "help":
		fmt.Fprint(os.Stdout, "p=pause g/r=resume si=step-into so=step-over d=disasm q/exit/quit\r\n")
		return false, nil
	default:
		if addr, ok := parseAddress(cmd); ok {
			fmt.Fprintf(os.Stdout, "0x%x\r\n", addr)
			return false, nil
		}
		fmt.Fprintf(os.Stdout, "unknown command %q\r\n", cmd)
		return false, nil
	}
}

func disassembleCurrent(sess *session.Session) error {
	pc, ok := sess.Loop.PausedPC()
	if !ok {
		return fmt.Errorf("not paused")
	}
	blk, err := sess.Blocks.GenerateBlock(pc, 0)
	if err != nil {
		return err
	}
	for _, inst := range blk.Instructions {
		fmt.Fprintf(os.Stdout, "0x%x: %s\r\n", inst.Address, inst.Text)
	}
	return nil
}

// parseAddress accepts $hex, 0xhex, or bare decimal, the same literal
// forms a monitor-style address entry recognizes.
func parseAddress(s string) (uint64, bool) {
	if strings.HasPrefix(s, "$") {
		v, err := strconv.ParseUint(s[1:], 16, 64)
		return v, err == nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return v, err == nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}
