// hcom-native - native PTY side-car for the hcom communications fabric.
//
// Wraps an interactive coding tool (claude, gemini, codex) in a
// pseudo-terminal, forwards I/O transparently, and delivers queued hcom
// messages into the tool's input buffer when the screen says it is safe.
package main

import (
	"fmt"
	"os"

	goerrors "github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hcom-sh/hcom-native/internal/config"
	"github.com/hcom-sh/hcom-native/internal/logging"
	"github.com/hcom-sh/hcom-native/internal/proxy"
	"github.com/hcom-sh/hcom-native/internal/tool"
)

// Version is set at build time via ldflags.
var Version = "dev"

const ptyHelp = `Wrap a coding tool in a PTY with hcom message delivery.

Usage: hcom-native pty <tool> [args...]

Tools: claude, gemini, codex (other commands are wrapped, but no messages
are injected into them)

The PTY wrapper provides:
  - Text injection via a local TCP port (INJECT_PORT on captured stderr)
  - Screen state queries over the same port (0x00 SCREEN)
  - Ready detection for tool startup

Environment:
  HCOM_INSTANCE_NAME    Instance name for delivery and logging
  HCOM_DIR              Custom hcom directory (default ~/.hcom)
  HCOM_PTY_DEBUG        Set to 1 for screen debug dumps
`

func main() {
	cfg := config.FromEnv()
	log := logging.New(cfg)

	// Panics must never reach stderr: the wrapped tool owns the terminal
	// and stray output corrupts it. Log the stack and restore what we can.
	defer func() {
		if r := recover(); r != nil {
			logging.Sub(log, "native", "panic").
				Error(goerrors.Wrap(r, 2).ErrorStack())
			os.Exit(1)
		}
	}()

	rootCmd := &cobra.Command{
		Use:           "hcom-native",
		Short:         "Native PTY side-car for hcom",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	ptyCmd := &cobra.Command{
		Use:   "pty <tool> [args...]",
		Short: "Wrap a coding tool in a PTY with message delivery",
		// The child's arguments pass through verbatim; cobra must not eat
		// its flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
				fmt.Fprint(os.Stderr, ptyHelp)
				if len(args) == 0 {
					return fmt.Errorf("tool name required")
				}
				return nil
			}
			return runPTY(cfg, log, args)
		},
	}
	rootCmd.AddCommand(ptyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPTY(cfg *config.Config, log *logrus.Entry, args []string) error {
	toolName := args[0]

	// Known tools get their ready pattern; arbitrary commands run with
	// ready gating disabled.
	var readyPattern []byte
	if tl, err := tool.Parse(toolName); err == nil {
		readyPattern = tl.ReadyPattern()
	}

	p, err := proxy.Spawn(toolName, args[1:], proxy.Options{
		ReadyPattern: readyPattern,
		InstanceName: cfg.InstanceName,
		Tool:         toolName,
	}, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to spawn pty: %w", err)
	}

	exitCode, err := proxy.Run(p)
	if err != nil {
		logging.Sub(log, "native", "proxy.run_error").Errorf("PTY run failed: %v", err)
	}
	os.Exit(exitCode)
	return nil
}
