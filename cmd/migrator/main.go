// Package main provides the database migration CLI for the telemetry
// service, driving the hand-rolled executor in the migrations package
// against the embedded sqlite database.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/telemetry-run/telemetry/internal/storage"
	"github.com/telemetry-run/telemetry/migrations"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	command := os.Args[1]

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	config := storage.LoadConfig()
	if err := config.Validate(); err != nil {
		logger.Error("invalid storage configuration", slog.Any("error", err))
		os.Exit(1)
	}

	guard, err := storage.AcquireWriterGuard(config.LockPath())
	if err != nil {
		logger.Error("failed to acquire writer lock", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = guard.Release() }()

	conn, err := storage.NewConnection(config)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, conn.DB, logger)
	if err != nil {
		logger.Error("failed to initialize migration executor", slog.Any("error", err))
		os.Exit(1)
	}

	if err := executeCommand(ctx, command, executor); err != nil {
		logger.Error("migration command failed", slog.String("command", command), slog.Any("error", err))
		os.Exit(1)
	}
}

func executeCommand(ctx context.Context, command string, executor *migrations.Executor) error {
	switch command {
	case "up":
		return executor.Up(ctx)
	case "down":
		return executor.Down(ctx)
	case "status":
		status, err := executor.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("version=%d dirty=%t pending=%d\n", status.Version, status.Dirty, status.Pending)

		return nil
	case "drop":
		fmt.Print("WARNING: this will drop all tables. Are you sure? (y/N): ")

		reader := bufio.NewReader(os.Stdin)

		response, _ := reader.ReadString('\n')
		if response == "y\n" || response == "Y\n" {
			return executor.Drop(ctx)
		}

		fmt.Println("operation cancelled")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - database migration tool for the telemetry service

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    TELEMETRY_DB_PATH  Path to the sqlite database file (default: ./db/telemetry.sqlite)

EXAMPLES:
    %s up
    %s status
    %s down
`, name, version, name, name, name, name)
}
