package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// RunContext is handed to the function passed to TrackRun: the resolved
// run_id plus the two operations spec.md §4.6.3 grants a tracked scope,
// log_event and set_metrics.
type RunContext struct {
	RunID   string
	EventID string

	client *Client
	run    *telemetry.Run
}

// LogEvent appends an arbitrary structured event to today's event-log file,
// tagged with this run's ids. Per spec.md §4.6.5, this writes only to the
// event-log file, never the API or the DB.
func (rc *RunContext) LogEvent(eventType string, fields map[string]interface{}) {
	record := map[string]interface{}{
		"event_id":   rc.EventID,
		"run_id":     rc.RunID,
		"event_type": eventType,
		"timestamp":  time.Now().UTC(),
	}

	for k, v := range fields {
		record[k] = v
	}

	rc.client.eventLog.append(record)
}

// SetMetrics stages discovered/succeeded/failed/skipped counters onto the
// run record, applied when the scope closes in end_run.
func (rc *RunContext) SetMetrics(discovered, succeeded, failed, skipped int) {
	rc.run.ItemsDiscovered = discovered
	rc.run.ItemsSucceeded = succeeded
	rc.run.ItemsFailed = failed
	rc.run.ItemsSkipped = skipped
}

// TrackRun is the scope-guarded lifecycle of spec.md §4.6.3: it calls
// start_run, invokes fn with a RunContext, and calls end_run on every exit
// path (normal return, fn returning an error, or fn panicking). A panic is
// recorded as a failure and then re-raised, per the invariant that the
// scope guard is the one place allowed to propagate a failure to the agent.
func (c *Client) TrackRun(ctx context.Context, agentName, jobType, runID string, fn func(*RunContext) error) (err error) {
	rc := c.startRun(ctx, agentName, jobType, runID)

	defer func() {
		if r := recover(); r != nil {
			c.endRun(ctx, rc, telemetry.StatusFailure, fmt.Sprintf("panic: %v", r))

			panic(r)
		}
	}()

	if err = fn(rc); err != nil {
		c.endRun(ctx, rc, telemetry.StatusFailure, err.Error())

		return err
	}

	c.endRun(ctx, rc, telemetry.StatusSuccess, "")

	return nil
}

func (c *Client) startRun(ctx context.Context, agentName, jobType, customRunID string) *RunContext {
	now := time.Now().UTC()
	eventID := c.newEventID()
	runID := resolveRunID(customRunID, agentName, now, c.registry, c.runIDCounters)

	run := &telemetry.Run{
		EventID:   eventID,
		RunID:     runID,
		StartTime: now,
		AgentName: agentName,
		JobType:   jobType,
		Status:    telemetry.StatusRunning,
	}

	c.registry.insert(eventID, run)

	c.eventLog.append(map[string]interface{}{
		"event_id":   eventID,
		"run_id":     runID,
		"event_type": "start_run",
		"timestamp":  now,
	})

	c.dualWrite(ctx, "start_run", run)

	return &RunContext{RunID: runID, EventID: eventID, client: c, run: run}
}

func (c *Client) endRun(ctx context.Context, rc *RunContext, status telemetry.Status, errorSummary string) {
	_, ok := c.registry.remove(rc.EventID)
	if !ok {
		c.logger.Warn("end_run called for an event_id not in the active registry",
			slog.String("event_id", rc.EventID))
	}

	now := time.Now().UTC()
	rc.run.EndTime = &now
	rc.run.Status = status
	rc.run.ErrorSummary = errorSummary
	rc.run.DurationMs = int(now.Sub(rc.run.StartTime).Milliseconds())

	c.eventLog.append(map[string]interface{}{
		"event_id":      rc.EventID,
		"run_id":        rc.RunID,
		"event_type":    "end_run",
		"timestamp":     now,
		"status":        status,
		"error_summary": errorSummary,
	})

	c.dualWrite(ctx, "end_run", rc.run)

	if mirrorURL := c.sinkConfig.mirrorURLFor(rc.run.AgentName, c.config.MirrorURL); mirrorURL != "" {
		go c.mirror.send(context.Background(), mirrorURL, rc.run)
	}
}

// dualWrite implements spec.md §4.6.5 steps 2-4: POST to the ingestion API,
// falling back to the durable buffer on an API-unavailable failure (or any
// other POST error). Never returns an error: INV-never-raise-to-agent.
func (c *Client) dualWrite(ctx context.Context, operation string, run *telemetry.Run) {
	var postErr error

	if operation == "end_run" {
		postErr = c.api.postEndRun(ctx, run)
	} else {
		postErr = c.api.postStartRun(ctx, run)
	}

	if postErr == nil {
		return
	}

	c.logger.Debug("ingestion api post failed, enqueuing to buffer",
		slog.String("event_id", run.EventID), slog.String("operation", operation), slog.Any("error", postErr))

	if err := c.buffer.enqueue(bufferedEvent{EventID: run.EventID, Operation: operation, Run: run}); err != nil {
		c.logger.Warn("failed to enqueue event to durable buffer",
			slog.String("event_id", run.EventID), slog.Any("error", err))
	}
}

func (c *Client) newEventID() string {
	return uuid.NewString()
}
