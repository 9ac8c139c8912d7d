// bankctl runs the maintenance operations of the banklink service from the
// command line. It syncs users, garbage collects expired authorization
// attempts, rewraps stored credentials after a key rotation and issues
// bearer tokens for local testing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"banklink/internal/app"
	"banklink/internal/auth"
	"banklink/internal/config"
	"banklink/internal/services"

	"github.com/spf13/pflag"
)

type command struct {
	name       string
	userID     string
	windowDays int
	timeout    time.Duration
	ttl        time.Duration
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cmd, err := parseCommand(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.windowDays == 0 {
		cmd.windowDays = cfg.SyncWindowDays
	}
	if cmd.name == "token" {
		issued, err := issueToken(cfg, cmd, time.Now())
		if err != nil {
			return err
		}
		return writeJSON(stdout, issued)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	application, err := app.Build(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := execute(ctx, cmd, application.Connections, application.Sync)
	if err != nil {
		return err
	}
	return writeJSON(stdout, result)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

type issuedToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// issueToken signs a bearer token with the configured secret. The TTL falls
// back to TOKEN_TTL_MINUTES.
func issueToken(cfg config.Config, cmd command, now time.Time) (issuedToken, error) {
	ttl := cmd.ttl
	if ttl == 0 {
		ttl = cfg.TokenTTL
	}
	token, err := auth.GenerateToken(cfg.JWTSecret, cmd.userID, ttl)
	if err != nil {
		return issuedToken{}, err
	}
	return issuedToken{UserID: cmd.userID, Token: token, ExpiresAt: now.Add(ttl).UTC()}, nil
}

type connectionOps interface {
	GarbageCollect(ctx context.Context) (int64, error)
	RewrapCredentials(ctx context.Context) (services.RewrapSummary, error)
}

type syncOps interface {
	SyncUser(ctx context.Context, userID string, windowDays int) (services.SyncSummary, error)
	SyncAll(ctx context.Context, windowDays int) (services.AllSummary, error)
}

func execute(ctx context.Context, cmd command, connections connectionOps, sync syncOps) (any, error) {
	switch cmd.name {
	case "sync":
		if cmd.userID != "" {
			return sync.SyncUser(ctx, cmd.userID, cmd.windowDays)
		}
		return sync.SyncAll(ctx, cmd.windowDays)
	case "gc":
		removed, err := connections.GarbageCollect(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"removed": removed}, nil
	case "rewrap":
		return connections.RewrapCredentials(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.name)
	}
}

func parseCommand(args []string, output io.Writer) (command, error) {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage(output)
		return command{}, pflag.ErrHelp
	}
	cmd := command{name: args[0]}
	flagSet := pflag.NewFlagSet("bankctl "+cmd.name, pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.DurationVar(&cmd.timeout, "timeout", 10*time.Minute, "abort the operation after this long")
	switch cmd.name {
	case "sync":
		flagSet.StringVar(&cmd.userID, "user", "", "sync only this user (default: every user with active connections)")
		flagSet.IntVar(&cmd.windowDays, "window", 0, "days of history to request (default: SYNC_WINDOW_DAYS)")
	case "token":
		flagSet.StringVar(&cmd.userID, "user", "", "user id to put in the token subject")
		flagSet.DurationVar(&cmd.ttl, "ttl", 0, "token lifetime (default: TOKEN_TTL_MINUTES)")
	case "gc", "rewrap":
	default:
		printUsage(output)
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	if err := flagSet.Parse(args[1:]); err != nil {
		return command{}, err
	}
	if flagSet.NArg() > 0 {
		return command{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	if cmd.windowDays < 0 || cmd.windowDays > services.MaxWindowDays {
		return command{}, fmt.Errorf("--window must be between 1 and %d", services.MaxWindowDays)
	}
	if cmd.timeout <= 0 {
		return command{}, errors.New("--timeout must be positive")
	}
	if cmd.name == "token" && cmd.userID == "" {
		return command{}, errors.New("token requires --user")
	}
	if cmd.ttl < 0 {
		return command{}, errors.New("--ttl must be positive")
	}
	return cmd, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: bankctl <command> [flags]

Commands:
  sync     sync one user (--user) or every user with active connections
  gc       delete expired authorization attempts
  rewrap   re-encrypt stored credentials under the active vault key
  token    print a bearer token for --user signed with JWT_SECRET
`)
}
