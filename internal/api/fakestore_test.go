package api

import (
	"context"
	"sync"
	"time"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// fakeStore is an in-memory telemetry.Store used to exercise the HTTP layer
// without a real sqlite file. It's deliberately simple: a mutex-guarded map
// keyed by event_id, no query-planner behavior beyond the filters the
// handlers actually exercise.
type fakeStore struct {
	mu   sync.Mutex
	runs map[string]*telemetry.Run

	// insertErr, when set, is returned by Insert/BatchInsert/etc instead of
	// touching the map, to exercise the handlers' 500 paths.
	insertErr error
	queryErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*telemetry.Run)}
}

func (f *fakeStore) Insert(_ context.Context, run *telemetry.Run) (telemetry.InsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return telemetry.InsertOutcome{}, f.insertErr
	}

	if _, ok := f.runs[run.EventID]; ok {
		return telemetry.InsertOutcome{Duplicate: true}, nil
	}

	run.CreatedAt = time.Now().UTC()
	f.runs[run.EventID] = run

	return telemetry.InsertOutcome{Created: true}, nil
}

func (f *fakeStore) BatchInsert(ctx context.Context, runs []*telemetry.Run) (telemetry.BatchResult, error) {
	result := telemetry.BatchResult{Total: len(runs), Errors: make([]error, len(runs))}

	for i, run := range runs {
		if run == nil {
			continue
		}

		outcome, err := f.Insert(ctx, run)
		if err != nil {
			result.Errors[i] = err

			continue
		}

		if outcome.Duplicate {
			result.Duplicates++
		} else {
			result.Inserted++
		}
	}

	return result, nil
}

func (f *fakeStore) UpdateFields(_ context.Context, eventID string, patch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[eventID]
	if !ok {
		return telemetry.ErrRunNotFound
	}

	if repo, ok := patch["git_repo"].(string); ok {
		run.GitRepo = repo
	}

	if status, ok := patch["status"].(string); ok {
		run.Status = telemetry.NormalizeStatus(status)
	}

	if tag, ok := patch["git_run_tag"].(string); ok {
		run.GitRunTag = tag
	}

	return nil
}

func (f *fakeStore) FetchByEventID(_ context.Context, eventID string) (*telemetry.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[eventID]
	if !ok {
		return nil, telemetry.ErrRunNotFound
	}

	return run, nil
}

func (f *fakeStore) Query(_ context.Context, filter telemetry.QueryFilter) ([]*telemetry.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	matches := make([]*telemetry.Run, 0)

	for _, run := range f.runs {
		if filter.AgentName != "" && run.AgentName != filter.AgentName {
			continue
		}

		if filter.Status != "" && run.Status != filter.Status {
			continue
		}

		matches = append(matches, run)
	}

	return matches, nil
}

func (f *fakeStore) AssociateCommit(_ context.Context, eventID, repo, branch, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[eventID]
	if !ok {
		return telemetry.ErrRunNotFound
	}

	if hash != "" && (len(hash) < 7 || len(hash) > 40) {
		return telemetry.ErrInvalidCommitHash
	}

	run.GitRepo = repo
	run.GitBranch = branch
	run.GitCommitHash = hash

	return nil
}

func (f *fakeStore) DistinctValues(_ context.Context, column string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]struct{})

	for _, run := range f.runs {
		var v string

		switch column {
		case "agent_name":
			v = run.AgentName
		case "job_type":
			v = run.JobType
		}

		if v != "" {
			seen[v] = struct{}{}
		}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}

	return values, nil
}

func (f *fakeStore) Stats(_ context.Context) (telemetry.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := telemetry.Stats{TotalRuns: len(f.runs), PerAgentCounts: make(map[string]int)}

	for _, run := range f.runs {
		stats.PerAgentCounts[run.AgentName]++
	}

	return stats, nil
}

func (f *fakeStore) DeleteOlderThan(_ context.Context, cutoff time.Time, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := 0

	for id, run := range f.runs {
		if run.CreatedAt.Before(cutoff) {
			delete(f.runs, id)
			deleted++
		}
	}

	return deleted, nil
}

func (f *fakeStore) ReclaimSpace(context.Context) error { return nil }

func (f *fakeStore) HealthCheck(context.Context) error { return nil }
