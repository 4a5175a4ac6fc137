// Package main provides telemetry-agent, a thin CLI that wraps an arbitrary
// subprocess in a tracked run: it starts a run before the subprocess runs,
// streams its exit code into the run's terminal status, and ends the run
// through the client delivery pipeline.
//
// Usage:
//
//	telemetry-agent --agent-name=my-linter --job-type=lint -- golangci-lint run ./...
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/telemetry-run/telemetry/internal/client"
)

const (
	version = "1.0.0-dev"
	name    = "telemetry-agent"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	versionFlag := fs.Bool("version", false, "show version information")
	agentName := fs.String("agent-name", "", "agent name recorded on the run (required)")
	jobType := fs.String("job-type", "", "job type recorded on the run (required)")
	runID := fs.String("run-id", "", "custom run id; falls back to a generated one if invalid or empty")

	if err := fs.Parse(args); err != nil {
		return 2 //nolint:mnd
	}

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)

		return 0
	}

	command := fs.Args()
	if *agentName == "" || *jobType == "" || len(command) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s --agent-name=NAME --job-type=TYPE -- COMMAND [ARGS...]\n", name)

		return 2 //nolint:mnd
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	c := client.New(client.LoadConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)
	defer c.Stop()

	exitCode := 0

	err := c.TrackRun(ctx, *agentName, *jobType, *runID, func(rc *client.RunContext) error {
		cmd := exec.CommandContext(ctx, command[0], command[1:]...) //nolint:gosec // operator-supplied command is the entire point of this CLI
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin

		runErr := cmd.Run()

		var exitErr *exec.ExitError
		if runErr != nil {
			if asExitError(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()

				return fmt.Errorf("subprocess exited with code %d", exitCode)
			}

			exitCode = 1

			return runErr
		}

		rc.LogEvent("subprocess_completed", map[string]interface{}{"exit_code": 0})

		return nil
	})

	if err != nil {
		log.Printf("%s: tracked run failed: %v", name, err)
	}

	return exitCode
}

func asExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError) //nolint:errorlint // exec.Command errors are not wrapped
	if !ok {
		return false
	}

	*target = exitErr

	return true
}
