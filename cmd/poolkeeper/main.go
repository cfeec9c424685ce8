package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := createRootCommand(g)
	c := &command{g: g}
	// Handlers write to the command's output so tests can capture it.
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) { c.out = cmd.OutOrStdout() }

	root.AddCommand(
		createServeCommand(g),
		createStatusCommand(c),
		createScaleCommand(c),
		createPauseCommand(c),
		createResumeCommand(c),
		createLaunchCommand(c),
		createStopCommand(c),
		createKillCommand(c),
		createStopAllCommand(c),
		createResetCommand(c),
		createLogsCommand(c),
		createReconcileCommand(c),
		createBeatCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "poolkeeper",
		Short: "Keep a pool of identical worker processes alive",
		Long: `Poolkeeper keeps a fixed number of worker processes running, replaces
workers that die or stop writing heartbeats, and exposes a small control API.

Examples:
  poolkeeper serve --config=poolkeeper.toml     # run the supervisor
  poolkeeper status --config=poolkeeper.toml    # ask the local daemon
  poolkeeper scale 8 --api-url=http://host:8080/api --token=$TOKEN
  poolkeeper beat --log=/srv/worker/logs.log    # from inside a worker`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api); defaults to the config's [server]")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	pf.StringVar(&flags.Token, "token", "", "bearer token (defaults to $"+TokenEnv+")")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the pool supervisor",
		Long: `Run the reconcile loop, the control API and the metrics listener as
configured. The pool starts paused unless pool.autostart is set.

Examples:
  poolkeeper serve poolkeeper.toml
  poolkeeper serve --config=poolkeeper.toml --daemonize --pidfile=/run/poolkeeper.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(g, f, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the supervisor pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live workers, host metrics and pool state",
		Long: `Show the pool overview, or details of one worker with --pid.

Examples:
  poolkeeper status
  poolkeeper status --pid=4242`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), pid)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "show one worker")
	return cmd
}

func createScaleCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "scale COUNT",
		Short: "Set the desired number of workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid count %q", args[0])
			}
			return c.Scale(cmd.Context(), n)
		},
	}
}

func createPauseCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop launching workers; running workers are left alone",
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Pause(cmd.Context()) },
	}
}

func createResumeCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume enforcing the desired worker count",
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Resume(cmd.Context()) },
	}
}

func createLaunchCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Start one extra worker now",
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Launch(cmd.Context()) },
	}
}

func createStopCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop one worker",
		Long: `Send SIGTERM to one worker and SIGKILL it if it outlives --wait.

Examples:
  poolkeeper stop --pid=4242
  poolkeeper stop --pid=4242 --wait=30s`,
		RunE: func(cmd *cobra.Command, _ []string) error { return c.Stop(cmd.Context(), *f) },
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "worker pid (required)")
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "grace period before SIGKILL (default: server's stop_grace)")
	if err := cmd.MarkFlagRequired("pid"); err != nil {
		panic(err)
	}
	return cmd
}

func createKillCommand(c *command) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "SIGKILL one worker",
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Kill(cmd.Context(), pid) },
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "worker pid (required)")
	if err := cmd.MarkFlagRequired("pid"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Pause the pool and stop every worker",
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.StopAll(cmd.Context()) },
	}
}

func createResetCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Truncate the heartbeat log and zero the lifetime counters (admin)",
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Reset(cmd.Context()) },
	}
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Download the heartbeat log (admin)",
		Long: `Download the shared worker log. With --reset the server truncates the
log and zeroes the counters after reading it.

Examples:
  poolkeeper logs > logs.log
  poolkeeper logs --reset --output=logs-$(date +%F).log`,
		RunE: func(cmd *cobra.Command, _ []string) error { return c.Logs(cmd.Context(), *f) },
	}
	cmd.Flags().BoolVar(&f.Reset, "reset", false, "reset the log after downloading")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func createReconcileCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:    "reconcile",
		Short:  "Run one reconcile tick on the daemon now",
		Hidden: true,
		RunE:   func(cmd *cobra.Command, _ []string) error { return c.Reconcile(cmd.Context()) },
	}
}

func createBeatCommand(c *command) *cobra.Command {
	f := &BeatFlags{}
	cmd := &cobra.Command{
		Use:   "beat",
		Short: "Append a heartbeat or completion record to the worker log",
		Long: `Append one record to the shared worker log. Meant to be called from a
worker script: the pid defaults to the caller (this command's parent).

Examples:
  poolkeeper beat --log=/srv/worker/logs.log
  poolkeeper beat --config=poolkeeper.toml --kind=done --detail="job 17"`,
		RunE: func(_ *cobra.Command, _ []string) error { return c.Beat(*f) },
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "heartbeat", "record kind: heartbeat, done or other")
	cmd.Flags().StringVar(&f.Detail, "detail", "", "free text appended to the record")
	cmd.Flags().IntVar(&f.PID, "pid", 0, "worker pid (default: parent pid)")
	cmd.Flags().StringVar(&f.Log, "log", "", "log path (default: heartbeat.path from --config)")
	cmd.Flags().StringVar(&f.Level, "level", "INFO", "record level")
	return cmd
}
