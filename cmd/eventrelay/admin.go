package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/eventrelay/internal/adapter/postgres"
	"github.com/Strob0t/eventrelay/internal/config"
	"github.com/Strob0t/eventrelay/internal/domain/event"
)

// runAdmin dispatches admin subcommands (log-info, read, migrate, rollback, version).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "log-info":
		return runAdminLogInfo(args[1:])
	case "read":
		return runAdminRead(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: eventrelay admin <command> [options]

Commands:
  log-info   Show length and boundary ids of the event log
  read       Print logged events after a cursor
  migrate    Apply pending PostgreSQL migrations
  rollback   Roll back PostgreSQL migrations
  version    Show the current PostgreSQL migration version
  help       Show this help message

Examples:
  eventrelay admin log-info
  eventrelay admin read --after 1718000000000-0 --limit 20
  eventrelay admin rollback --steps 1
`)
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runAdminLogInfo(args []string) error {
	fs := flag.NewFlagSet("log-info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := adminContext()
	defer cancel()

	l, err := openLog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = l.Close() }()

	info, err := l.Info(ctx)
	if err != nil {
		return fmt.Errorf("log info: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BACKEND\tAVAILABLE\tLENGTH\tFIRST_ID\tLAST_ID")
	_, _ = fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\n",
		cfg.Log.Backend, l.IsAvailable(), info.Length, orDash(string(info.FirstID)), orDash(string(info.LastID)))
	return w.Flush()
}

func runAdminRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	after := fs.String("after", "0-0", "read events with ids greater than this log id")
	limit := fs.Int("limit", 100, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !event.StreamID(*after).IsLogID() {
		return fmt.Errorf("--after must be a log id (<ms>-<seq>), got %q", *after)
	}
	if *limit < 1 {
		return errors.New("--limit must be >= 1")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := adminContext()
	defer cancel()

	l, err := openLog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = l.Close() }()

	events, err := l.ReadRange(ctx, event.StreamID(*after), *limit)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tTIME\tPAYLOAD")
	for i := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			events[i].ID, events[i].Type,
			time.UnixMilli(events[i].Timestamp).UTC().Format(time.RFC3339Nano),
			events[i].Payload)
	}
	return w.Flush()
}

// postgresDSN loads the config and insists on the postgres backend.
func postgresDSN() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Log.Backend != config.BackendPostgres {
		return "", fmt.Errorf("log backend is %q; migrations apply to %q only", cfg.Log.Backend, config.BackendPostgres)
	}
	return cfg.Postgres.DSN, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	dsn, err := postgresDSN()
	if err != nil {
		return err
	}
	ctx, cancel := adminContext()
	defer cancel()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Migrations applied.")
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("--steps must be >= 1")
	}

	dsn, err := postgresDSN()
	if err != nil {
		return err
	}
	ctx, cancel := adminContext()
	defer cancel()

	if err := postgres.RollbackMigrations(ctx, dsn, *steps); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	dsn, err := postgresDSN()
	if err != nil {
		return err
	}
	ctx, cancel := adminContext()
	defer cancel()

	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
