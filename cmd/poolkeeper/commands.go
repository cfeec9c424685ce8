package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/loykin/poolkeeper"
	"github.com/loykin/poolkeeper/internal/heartbeat"
	"github.com/loykin/poolkeeper/pkg/client"
)

// TokenEnv is read when --token is not given.
const TokenEnv = "POOLKEEPER_TOKEN"

// command binds subcommand handlers to the global flags and an output.
type command struct {
	g   *GlobalFlags
	out io.Writer
}

// connect resolves the API endpoint and token, then checks the daemon is up.
// Without --api-url the endpoint comes from the config's [server] section.
func (c *command) connect(ctx context.Context) (*client.Client, error) {
	base, token, insecure := c.g.APIUrl, c.g.Token, c.g.Insecure
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if base == "" && c.g.ConfigPath != "" {
		cfg, err := poolkeeper.LoadConfig(c.g.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		base = apiURLFromListen(cfg.Server.Listen, cfg.Server.BasePath, cfg.Server.CertFile != "")
		if token == "" {
			token = cfg.Server.AdminToken
		}
		// a local daemon's certificate is rarely issued for 127.0.0.1
		insecure = insecure || cfg.Server.CertFile != ""
	}
	cl := client.New(client.Config{
		BaseURL:  base,
		Token:    token,
		Timeout:  c.g.APITimeout,
		Insecure: insecure,
	})
	if !cl.IsReachable(ctx) {
		return nil, errors.New("daemon not reachable - please start daemon first with 'poolkeeper serve'")
	}
	return cl, nil
}

func (c *command) Status(ctx context.Context, pid int) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if pid > 0 {
		d, err := cl.Worker(ctx, pid)
		if err != nil {
			return err
		}
		printJSON(c.out, d)
		return nil
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Scale(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("count must not be negative, got %d", n)
	}
	return c.stateCall(ctx, func(cl *client.Client) (client.State, error) { return cl.SetDesired(ctx, n) })
}

func (c *command) Pause(ctx context.Context) error {
	return c.stateCall(ctx, func(cl *client.Client) (client.State, error) { return cl.Pause(ctx) })
}

func (c *command) Resume(ctx context.Context) error {
	return c.stateCall(ctx, func(cl *client.Client) (client.State, error) { return cl.Resume(ctx) })
}

func (c *command) Reset(ctx context.Context) error {
	return c.stateCall(ctx, func(cl *client.Client) (client.State, error) { return cl.Reset(ctx) })
}

func (c *command) stateCall(ctx context.Context, fn func(*client.Client) (client.State, error)) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	st, err := fn(cl)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Launch(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	pid, err := cl.Launch(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, map[string]int{"pid": pid})
	return nil
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	if f.PID <= 0 {
		return errors.New("--pid is required")
	}
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx, f.PID, f.Wait)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c *command) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return errors.New("--pid is required")
	}
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	res, err := cl.Kill(ctx, pid)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c *command) StopAll(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	res, err := cl.StopAll(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

// Logs downloads the heartbeat log to f.Output, or to stdout when empty.
func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	b, err := cl.Logs(ctx, f.Reset)
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err = c.out.Write(b)
		return err
	}
	if err := os.WriteFile(f.Output, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	_, _ = fmt.Fprintf(c.out, "wrote %d bytes to %s\n", len(b), f.Output)
	return nil
}

func (c *command) Reconcile(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := cl.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	_, _ = fmt.Fprintln(c.out, "ok")
	return nil
}

// Beat appends one record to the heartbeat log on behalf of a worker.
// Shell workers call it directly, so the pid defaults to the parent's.
func (c *command) Beat(f BeatFlags) error {
	path := f.Log
	if path == "" {
		if c.g.ConfigPath == "" {
			return errors.New("--log or --config is required")
		}
		cfg, err := poolkeeper.LoadConfig(c.g.ConfigPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		path = cfg.Heartbeat.Path
	}
	kind, err := parseKind(f.Kind)
	if err != nil {
		return err
	}
	pid := f.PID
	if pid <= 0 {
		pid = os.Getppid()
	}
	return heartbeat.Append(path, heartbeat.Record{
		PID:    pid,
		Time:   time.Now(),
		Level:  strings.ToUpper(f.Level),
		Kind:   kind,
		Detail: f.Detail,
	})
}

func parseKind(s string) (heartbeat.Kind, error) {
	switch strings.ToLower(s) {
	case "", "heartbeat":
		return heartbeat.KindHeartbeat, nil
	case "done", "completed":
		return heartbeat.KindCompleted, nil
	case "info", "other":
		return heartbeat.KindOther, nil
	}
	return "", fmt.Errorf("unknown kind %q (want heartbeat, done or other)", s)
}
