package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/srvctl/internal/config"
	"github.com/loykin/srvctl/internal/signalbridge"
	"github.com/loykin/srvctl/internal/supervisor"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	err := root.Execute()
	if err != nil && !errors.Is(err, signalbridge.ErrInterrupted) {
		_, _ = fmt.Fprintln(os.Stderr, "srvctl:", err)
	}
	os.Exit(supervisor.ExitCode(err))
}

// buildRoot creates the root command and its subcommands.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := newCommand(globalFlags, stdout, stderr)

	root := &cobra.Command{
		Use:   "srvctl",
		Short: "Start, stop and inspect a single server process",
		Long: `srvctl launches a server script in the foreground, in debug mode or as a
detached daemon, records its PID and terminates its whole process tree on
request.

Examples:
  srvctl start mail -d /srv/mail            # daemon, pid in /srv/mail/bin/server.pid
  srvctl start mail -d /srv/mail -f         # attached; Ctrl-C stops the tree
  srvctl stop -d /srv/mail
  srvctl stop 12345
  srvctl status -d /srv/mail`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	})
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		createStartCommand(c, &StartFlags{}),
		createStopCommand(c, &StopFlags{}),
		createKillTreeCommand(c, &KillTreeFlags{}),
		createStatusCommand(c, &StatusFlags{}),
		createRenderCommand(c, &RenderFlags{}),
		createInitCommand(c, &InitFlags{}),
	)
	return root
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return nil
	}
}

func createStartCommand(c *command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <server>",
		Short: "Start a server",
		Long: `Start runs <basedir>/<server><script_ext> with the configured interpreter.
Without -f or -g the server is detached, its output appended to
<logdir>/<server>.log and its PID written to the PID file.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVarP(&f.BaseDir, "basedir", "d", "", "base directory of the server")
	cmd.Flags().BoolVarP(&f.Foreground, "foreground", "f", false, "run attached to the terminal")
	cmd.Flags().BoolVarP(&f.Debug, "debug", "g", false, "run attached with the debug interpreter")
	cmd.Flags().StringVarP(&f.LogDir, "logpath", "l", "", "log directory (default <basedir>/log)")
	cmd.Flags().BoolVarP(&f.Build, "build", "b", false, "run the build command first")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "PID file (default <basedir>/bin/server.pid)")
	cmd.Flags().StringVar(&f.Wrapper, "wrapper", "", "environment manager prefix, disables privilege escalation")
	cmd.Flags().StringVar(&f.Render, "render", "", "render this config set before starting")
	cmd.Flags().BoolVar(&f.Force, "force", false, "start even if the PID file names a live process")
	cmd.Flags().BoolVar(&f.NoSudo, "no-sudo", false, "do not escalate privileges")
	return cmd
}

func createStopCommand(c *command, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [pid|pidfile]",
		Short: "Stop a server and its whole process tree",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return c.Stop(cmd.Context(), target, *f)
		},
	}
	cmd.Flags().StringVarP(&f.BaseDir, "basedir", "d", "", "base directory of the server")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "PID file (default <basedir>/bin/server.pid)")
	cmd.Flags().BoolVar(&f.NoSudo, "no-sudo", false, "do not escalate privileges")
	return cmd
}

func createKillTreeCommand(c *command, f *KillTreeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "killtree <pid>",
		Short:  "Terminate a process tree in-process (used through sudo)",
		Hidden: true,
		Args:   exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.KillTree(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().DurationVar(&f.Grace, "grace", 0, "time between TERM and KILL")
	cmd.Flags().DurationVar(&f.KillWait, "kill-wait", 0, "time to wait after KILL")
	return cmd
}

func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the recorded server is running",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.BaseDir, "basedir", "d", "", "base directory of the server")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "PID file (default <basedir>/bin/server.pid)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print status as JSON")
	return cmd
}

func createRenderCommand(c *command, f *RenderFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <set>",
		Short: "Write config files of a set from their templates",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Render(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVarP(&f.BaseDir, "basedir", "d", "", "base directory of the server")
	return cmd
}

func createInitCommand(c *command, f *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file for a server runtime",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*f)
		},
	}
	cmd.Flags().StringVarP(&f.Type, "type", "t", "node", "runtime preset: node, bun, python, shell")
	cmd.Flags().StringVarP(&f.BaseDir, "basedir", "d", "", "base directory to record in the config")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing output file")
	return cmd
}
