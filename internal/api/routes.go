// Package api provides HTTP API server implementation for the telemetry service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/telemetry-run/telemetry/internal/api/middleware"
	"github.com/telemetry-run/telemetry/internal/telemetry"
	"github.com/telemetry-run/telemetry/internal/urlbuilder"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	maxRequestBytes   = 1 << 20 // 1 MiB: runs are small JSON records, not blobs
)

type (
	// CreateRunRequest is the wire shape accepted by POST /api/v1/runs.
	CreateRunRequest struct {
		EventID            string                 `json:"event_id"`
		RunID              string                 `json:"run_id,omitempty"`
		StartTime          time.Time              `json:"start_time"`
		EndTime            *time.Time             `json:"end_time,omitempty"`
		AgentName          string                 `json:"agent_name"`
		JobType            string                 `json:"job_type"`
		Status             string                 `json:"status,omitempty"`
		DurationMs         int                    `json:"duration_ms,omitempty"`
		ItemsDiscovered    int                    `json:"items_discovered,omitempty"`
		ItemsSucceeded     int                    `json:"items_succeeded,omitempty"`
		ItemsFailed        int                    `json:"items_failed,omitempty"`
		ItemsSkipped       int                    `json:"items_skipped,omitempty"`
		InputSummary       string                 `json:"input_summary,omitempty"`
		OutputSummary      string                 `json:"output_summary,omitempty"`
		ErrorSummary       string                 `json:"error_summary,omitempty"`
		ErrorDetails       string                 `json:"error_details,omitempty"`
		SourceRef          string                 `json:"source_ref,omitempty"`
		TargetRef          string                 `json:"target_ref,omitempty"`
		Product            string                 `json:"product,omitempty"`
		ProductFamily      string                 `json:"product_family,omitempty"`
		Platform           string                 `json:"platform,omitempty"`
		Subdomain          string                 `json:"subdomain,omitempty"`
		Website            string                 `json:"website,omitempty"`
		WebsiteSection     string                 `json:"website_section,omitempty"`
		ItemName           string                 `json:"item_name,omitempty"`
		GitRepo            string                 `json:"git_repo,omitempty"`
		GitBranch          string                 `json:"git_branch,omitempty"`
		GitCommitHash      string                 `json:"git_commit_hash,omitempty"`
		GitRunTag          string                 `json:"git_run_tag,omitempty"`
		GitCommitSource    string                 `json:"git_commit_source,omitempty"`
		GitCommitAuthor    string                 `json:"git_commit_author,omitempty"`
		GitCommitTimestamp string                 `json:"git_commit_timestamp,omitempty"`
		Host               string                 `json:"host,omitempty"`
		Environment        string                 `json:"environment,omitempty"`
		TriggerType        string                 `json:"trigger_type,omitempty"`
		MetricsJSON        map[string]interface{} `json:"metrics_json,omitempty"`
		ContextJSON        map[string]interface{} `json:"context_json,omitempty"`
		InsightID          string                 `json:"insight_id,omitempty"`
		ParentRunID        string                 `json:"parent_run_id,omitempty"`
	}

	// CreateRunResponse is returned by POST /api/v1/runs.
	CreateRunResponse struct {
		Status  string `json:"status"` // "created" or "duplicate"
		EventID string `json:"event_id"`
		RunID   string `json:"run_id"`
	}

	// BatchCreateResponse is returned by POST /api/v1/runs/batch.
	BatchCreateResponse struct {
		Inserted   int      `json:"inserted"`
		Duplicates int      `json:"duplicates"`
		Errors     []string `json:"errors"`
		Total      int      `json:"total"`
	}

	// PatchRunResponse is returned by PATCH /api/v1/runs/{event_id}.
	PatchRunResponse struct {
		EventID       string   `json:"event_id"`
		Updated       bool     `json:"updated"`
		FieldsUpdated []string `json:"fields_updated"`
	}

	// AssociateCommitRequest is the wire shape for the associate-commit endpoint.
	AssociateCommitRequest struct {
		GitRepo            string `json:"git_repo"`
		GitBranch          string `json:"git_branch"`
		GitCommitHash      string `json:"git_commit_hash"`
		GitRunTag          string `json:"git_run_tag,omitempty"`
		GitCommitSource    string `json:"git_commit_source,omitempty"`
		GitCommitAuthor    string `json:"git_commit_author,omitempty"`
		GitCommitTimestamp string `json:"git_commit_timestamp,omitempty"`
	}

	// AssociateCommitResponse is returned by the associate-commit endpoint.
	AssociateCommitResponse struct {
		Status    string `json:"status"`
		EventID   string `json:"event_id"`
		CommitURL string `json:"commit_url,omitempty"`
	}

	// CommitURLResponse is returned by GET .../commit-url.
	CommitURLResponse struct {
		CommitURL *string `json:"commit_url"`
	}

	// RepoURLResponse is returned by GET .../repo-url.
	RepoURLResponse struct {
		RepoURL *string `json:"repo_url"`
	}

	// MetadataResponse is returned by GET /api/v1/metadata.
	MetadataResponse struct {
		AgentNames []string       `json:"agent_names"`
		JobTypes   []string       `json:"job_types"`
		Counts     map[string]int `json:"counts"`
	}

	// RunView is the row shape returned by GET /api/v1/runs/{event_id} and
	// GET /api/v1/runs: the stored Run plus the commit_url/repo_url derived
	// via the URL Builder, per spec.md §4.5.3 step 5.
	RunView struct {
		*telemetry.Run

		CommitURL *string `json:"commit_url"`
		RepoURL   *string `json:"repo_url"`
	}

	// HealthResponse is returned by GET /health. Built entirely from
	// process-start configuration: no storage I/O, per spec.md §6.4's
	// "process is up" liveness semantics.
	HealthResponse struct {
		Status       string `json:"status"`
		Version      string `json:"version"`
		DBPath       string `json:"db_path"`
		JournalMode  string `json:"journal_mode"`
		Synchronous  string `json:"synchronous"`
	}

	// MetricsPerformance is the nested performance block of MetricsResponse.
	MetricsPerformance struct {
		DBPath      string `json:"db_path"`
		JournalMode string `json:"journal_mode"`
	}

	// MetricsResponse is returned by GET /metrics.
	MetricsResponse struct {
		TotalRuns   int                `json:"total_runs"`
		Agents      map[string]int     `json:"agents"`
		Recent24h   int                `json:"recent_24h"`
		Performance MetricsPerformance `json:"performance"`
	}
)

// setupRoutes registers every HTTP route the service exposes. /health and
// /api/v1/metadata are public per spec.md §4.5.2; everything else is
// subject to whatever auth middleware the server was configured with.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	middleware.RegisterPublicEndpoint("/health")
	middleware.RegisterPublicEndpoint("/api/v1/metadata")

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/metadata", s.handleMetadata)

	mux.HandleFunc("POST /api/v1/runs", s.handleCreateRun)
	mux.HandleFunc("POST /api/v1/runs/batch", s.handleBatchCreateRuns)
	mux.HandleFunc("PATCH /api/v1/runs/{event_id}", s.handlePatchRun)

	// Registered before the list route (handled automatically by Go 1.22's
	// longest-pattern-wins mux, but kept in this order for readability).
	mux.HandleFunc("GET /api/v1/runs/{event_id}/commit-url", s.handleCommitURL)
	mux.HandleFunc("GET /api/v1/runs/{event_id}/repo-url", s.handleRepoURL)
	mux.HandleFunc("POST /api/v1/runs/{event_id}/associate-commit", s.handleAssociateCommit)
	mux.HandleFunc("GET /api/v1/runs/{event_id}", s.handleGetRun)

	mux.HandleFunc("GET /api/v1/runs", s.handleQueryRuns)

	mux.HandleFunc("/", s.handleNotFound)
}

// handleHealth returns process-liveness status unconditionally - it never
// touches the storage engine, per spec.md §6.4.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.logger, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     s.version,
		DBPath:      s.dbPath,
		JournalMode: requiredJournalMode,
		Synchronous: requiredSynchronous,
	})
}

// handleMetrics reports aggregate counters for operator dashboards.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logError(r, "failed to compute stats", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to compute metrics"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, MetricsResponse{
		TotalRuns: stats.TotalRuns,
		Agents:    stats.PerAgentCounts,
		Recent24h: stats.Recent24h,
		Performance: MetricsPerformance{
			DBPath:      s.dbPath,
			JournalMode: requiredJournalMode,
		},
	})
}

// handleMetadata reports the distinct agent_name/job_type values seen
// across all runs, for populating filter dropdowns.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agentNames, err := s.store.DistinctValues(ctx, "agent_name")
	if err != nil {
		s.logError(r, "failed to fetch distinct agent names", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch metadata"))

		return
	}

	jobTypes, err := s.store.DistinctValues(ctx, "job_type")
	if err != nil {
		s.logError(r, "failed to fetch distinct job types", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch metadata"))

		return
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logError(r, "failed to compute stats", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch metadata"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, MetadataResponse{
		AgentNames: agentNames,
		JobTypes:   jobTypes,
		Counts:     stats.PerAgentCounts,
	})
}

// handleCreateRun handles POST /api/v1/runs: creates a run, or reports the
// existing one as a duplicate if event_id already exists. Never 409s -
// replays are success per spec.md §8.1.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	req, problem := decodeJSONBody[CreateRunRequest](r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	run, err := s.buildRunForCreate(req)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	outcome, err := s.store.Insert(r.Context(), run)
	if err != nil {
		s.logError(r, "failed to insert run", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to create run"))

		return
	}

	if outcome.Duplicate {
		writeJSON(w, r, s.logger, http.StatusOK, CreateRunResponse{
			Status: "duplicate", EventID: run.EventID, RunID: run.RunID,
		})

		return
	}

	s.logger.Info("run created",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("event_id", run.EventID),
	)

	writeJSON(w, r, s.logger, http.StatusCreated, CreateRunResponse{
		Status: "created", EventID: run.EventID, RunID: run.RunID,
	})
}

// handleBatchCreateRuns handles POST /api/v1/runs/batch: inserts as many
// well-formed runs as possible, isolating one malformed row's failure from
// the rest of the batch.
func (s *Server) handleBatchCreateRuns(w http.ResponseWriter, r *http.Request) {
	reqs, problem := decodeJSONBody[[]CreateRunRequest](r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	runs := make([]*telemetry.Run, len(reqs))
	buildErrors := make([]error, len(reqs))

	for i, req := range reqs {
		run, err := s.buildRunForCreate(req)
		if err != nil {
			buildErrors[i] = err

			continue
		}

		runs[i] = run
	}

	valid := make([]*telemetry.Run, 0, len(runs))
	validIdx := make([]int, 0, len(runs))

	for i, run := range runs {
		if run != nil {
			valid = append(valid, run)
			validIdx = append(validIdx, i)
		}
	}

	result, err := s.store.BatchInsert(r.Context(), valid)
	if err != nil {
		s.logError(r, "failed to batch insert runs", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to batch insert runs"))

		return
	}

	errs := make([]string, 0, len(reqs))

	for i, buildErr := range buildErrors {
		if buildErr != nil {
			errs = append(errs, fmt.Sprintf("index %d: %s", i, buildErr.Error()))
		}
	}

	for resultIdx, origIdx := range validIdx {
		if result.Errors[resultIdx] != nil {
			errs = append(errs, fmt.Sprintf("index %d: %s", origIdx, result.Errors[resultIdx].Error()))
		}
	}

	s.logger.Info("batch runs processed",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.Int("total", len(reqs)),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("errors", len(errs)),
	)

	writeJSON(w, r, s.logger, http.StatusOK, BatchCreateResponse{
		Inserted:   result.Inserted,
		Duplicates: result.Duplicates,
		Errors:     errs,
		Total:      len(reqs),
	})
}

// buildRunForCreate maps a CreateRunRequest onto a telemetry.Run, validates
// it, and generates a run_id when the caller didn't supply one.
func (s *Server) buildRunForCreate(req CreateRunRequest) (*telemetry.Run, error) {
	run := &telemetry.Run{
		EventID:            req.EventID,
		RunID:              req.RunID,
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
		AgentName:          req.AgentName,
		JobType:            req.JobType,
		Status:             telemetry.NormalizeStatus(req.Status),
		DurationMs:         req.DurationMs,
		ItemsDiscovered:    req.ItemsDiscovered,
		ItemsSucceeded:     req.ItemsSucceeded,
		ItemsFailed:        req.ItemsFailed,
		ItemsSkipped:       req.ItemsSkipped,
		InputSummary:       req.InputSummary,
		OutputSummary:      req.OutputSummary,
		ErrorSummary:       req.ErrorSummary,
		ErrorDetails:       req.ErrorDetails,
		SourceRef:          req.SourceRef,
		TargetRef:          req.TargetRef,
		Product:            req.Product,
		ProductFamily:      req.ProductFamily,
		Platform:           req.Platform,
		Subdomain:          req.Subdomain,
		Website:            req.Website,
		WebsiteSection:     req.WebsiteSection,
		ItemName:           req.ItemName,
		GitRepo:            req.GitRepo,
		GitBranch:          req.GitBranch,
		GitCommitHash:      req.GitCommitHash,
		GitRunTag:          req.GitRunTag,
		GitCommitSource:    telemetry.GitCommitSource(req.GitCommitSource),
		GitCommitAuthor:    req.GitCommitAuthor,
		GitCommitTimestamp: req.GitCommitTimestamp,
		Host:               req.Host,
		Environment:        req.Environment,
		TriggerType:        req.TriggerType,
		MetricsJSON:        req.MetricsJSON,
		ContextJSON:        req.ContextJSON,
		InsightID:          req.InsightID,
		ParentRunID:        req.ParentRunID,
	}

	if run.RunID == "" {
		run.RunID = telemetry.GenerateRunID(run.AgentName, time.Now())
	} else if err := telemetry.ValidRunID(run.RunID); err != nil {
		return nil, err
	}

	if err := run.ValidateCreate(); err != nil {
		return nil, err
	}

	return run, nil
}

// handlePatchRun handles PATCH /api/v1/runs/{event_id}: a partial update
// restricted to the settable column allow-list.
func (s *Server) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")

	var rawPatch map[string]interface{}

	if problem := decodeJSONInto(r, &rawPatch); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	patch, err := s.validator.FilterSettablePatch(rawPatch)
	if err != nil {
		if errors.Is(err, telemetry.ErrInvalidPatchValue) {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.store.UpdateFields(r.Context(), eventID, patch); err != nil {
		if errors.Is(err, telemetry.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("run not found: "+eventID))

			return
		}

		s.logError(r, "failed to update run", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to update run"))

		return
	}

	fieldsUpdated := make([]string, 0, len(patch))
	for field := range patch {
		fieldsUpdated = append(fieldsUpdated, field)
	}

	sort.Strings(fieldsUpdated)

	s.logger.Info("run patched",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("event_id", eventID),
		slog.Any("fields_updated", fieldsUpdated),
	)

	writeJSON(w, r, s.logger, http.StatusOK, PatchRunResponse{
		EventID: eventID, Updated: true, FieldsUpdated: fieldsUpdated,
	})
}

// handleGetRun handles GET /api/v1/runs/{event_id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")

	run, err := s.store.FetchByEventID(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, telemetry.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("run not found: "+eventID))

			return
		}

		s.logError(r, "failed to fetch run", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch run"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newRunView(run))
}

// newRunView computes the derived commit_url/repo_url for a row via the URL
// Builder, per spec.md §4.5.3 step 5.
func newRunView(run *telemetry.Run) RunView {
	view := RunView{Run: run}

	if commitURL := urlbuilder.BuildCommitURL(run.GitRepo, run.GitCommitHash); commitURL != "" {
		view.CommitURL = &commitURL
	}

	if repoURL := urlbuilder.NormalizeRepo(run.GitRepo); repoURL != "" {
		view.RepoURL = &repoURL
	}

	return view
}

// handleQueryRuns handles GET /api/v1/runs with dynamic-predicate filtering,
// per spec.md §4.5.3's query algorithm.
func (s *Server) handleQueryRuns(w http.ResponseWriter, r *http.Request) {
	filter, problem := parseQueryFilter(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	runs, err := s.store.Query(r.Context(), filter)
	if err != nil {
		s.logError(r, "failed to query runs", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to query runs"))

		return
	}

	s.logger.Info("runs queried",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.Int("result_count", len(runs)),
	)

	views := make([]RunView, len(runs))
	for i, run := range runs {
		views[i] = newRunView(run)
	}

	writeJSON(w, r, s.logger, http.StatusOK, views)
}

// parseQueryFilter builds a telemetry.QueryFilter from request query
// parameters, normalizing status and rejecting unparseable timestamps with
// a 400 (per spec.md §4.5.3).
func parseQueryFilter(r *http.Request) (telemetry.QueryFilter, *ProblemDetail) {
	q := r.URL.Query()

	filter := telemetry.QueryFilter{
		AgentName: q.Get("agent_name"),
		JobType:   q.Get("job_type"),
		Limit:     defaultQueryLimit,
	}

	if status := q.Get("status"); status != "" {
		filter.Status = telemetry.NormalizeStatus(status)
	}

	var err error

	if filter.CreatedAfter, err = parseOptionalTime(q.Get("created_after")); err != nil {
		return filter, BadRequest("invalid created_after: " + err.Error())
	}

	if filter.CreatedBefore, err = parseOptionalTime(q.Get("created_before")); err != nil {
		return filter, BadRequest("invalid created_before: " + err.Error())
	}

	if filter.StartedAfter, err = parseOptionalTime(q.Get("started_after")); err != nil {
		return filter, BadRequest("invalid started_after: " + err.Error())
	}

	if filter.StartedBefore, err = parseOptionalTime(q.Get("started_before")); err != nil {
		return filter, BadRequest("invalid started_before: " + err.Error())
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > maxQueryLimit {
			return filter, BadRequest(fmt.Sprintf("invalid limit: must be between 1 and %d", maxQueryLimit))
		}

		filter.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return filter, BadRequest("invalid offset: must be a non-negative integer")
		}

		filter.Offset = offset
	}

	return filter, nil
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	return time.Parse(time.RFC3339, raw)
}

// handleCommitURL handles GET /api/v1/runs/{event_id}/commit-url.
func (s *Server) handleCommitURL(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")

	run, err := s.store.FetchByEventID(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, telemetry.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("run not found: "+eventID))

			return
		}

		s.logError(r, "failed to fetch run", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch run"))

		return
	}

	var commitURL *string

	if built := urlbuilder.BuildCommitURL(run.GitRepo, run.GitCommitHash); built != "" {
		commitURL = &built
	}

	writeJSON(w, r, s.logger, http.StatusOK, CommitURLResponse{CommitURL: commitURL})
}

// handleRepoURL handles GET /api/v1/runs/{event_id}/repo-url.
func (s *Server) handleRepoURL(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")

	run, err := s.store.FetchByEventID(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, telemetry.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("run not found: "+eventID))

			return
		}

		s.logError(r, "failed to fetch run", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch run"))

		return
	}

	var repoURL *string

	if normalized := urlbuilder.NormalizeRepo(run.GitRepo); normalized != "" {
		repoURL = &normalized
	}

	writeJSON(w, r, s.logger, http.StatusOK, RepoURLResponse{RepoURL: repoURL})
}

// handleAssociateCommit handles POST /api/v1/runs/{event_id}/associate-commit.
// It overwrites every git_commit_* field supplied in the request body: the
// 4-argument AssociateCommit call covers repo/branch/hash, and an optional
// follow-up UpdateFields call covers the remaining git_* fields when present.
func (s *Server) handleAssociateCommit(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")

	req, problem := decodeJSONBody[AssociateCommitRequest](r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := s.store.AssociateCommit(r.Context(), eventID, req.GitRepo, req.GitBranch, req.GitCommitHash); err != nil {
		if errors.Is(err, telemetry.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("run not found: "+eventID))

			return
		}

		if errors.Is(err, telemetry.ErrInvalidCommitHash) {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

			return
		}

		s.logError(r, "failed to associate commit", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to associate commit"))

		return
	}

	extra := map[string]interface{}{}

	if req.GitRunTag != "" {
		extra["git_run_tag"] = req.GitRunTag
	}

	if req.GitCommitSource != "" {
		extra["git_commit_source"] = req.GitCommitSource
	}

	if req.GitCommitAuthor != "" {
		extra["git_commit_author"] = req.GitCommitAuthor
	}

	if req.GitCommitTimestamp != "" {
		extra["git_commit_timestamp"] = req.GitCommitTimestamp
	}

	if len(extra) > 0 {
		if err := s.store.UpdateFields(r.Context(), eventID, extra); err != nil {
			s.logError(r, "failed to update extra commit fields", err)
			WriteErrorResponse(w, r, s.logger, InternalServerError("failed to update commit metadata"))

			return
		}
	}

	s.logger.Info("commit associated",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("event_id", eventID),
	)

	writeJSON(w, r, s.logger, http.StatusOK, AssociateCommitResponse{
		Status:    "success",
		EventID:   eventID,
		CommitURL: urlbuilder.BuildCommitURL(req.GitRepo, req.GitCommitHash),
	})
}

// handleNotFound returns an RFC 7807 404 for unmatched routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("the requested resource was not found"))
}

// decodeJSONBody decodes r's body into T, rejecting oversized or malformed
// payloads before they reach domain validation.
func decodeJSONBody[T any](r *http.Request) (T, *ProblemDetail) {
	var value T

	if problem := decodeJSONInto(r, &value); problem != nil {
		return value, problem
	}

	return value, nil
}

// decodeJSONInto decodes r's body into dest, applying the shared
// content-type, size, and empty-body checks every write endpoint needs.
func decodeJSONInto(r *http.Request, dest interface{}) *ProblemDetail {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.TrimSpace(ct), "application/json") {
		return UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength == 0 {
		return BadRequest("request body cannot be empty")
	}

	if r.ContentLength > maxRequestBytes {
		return PayloadTooLarge(fmt.Sprintf("request body exceeds maximum size of %d bytes", maxRequestBytes))
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := decoder.Decode(dest); err != nil {
		return BadRequest("invalid JSON: " + err.Error())
	}

	return nil
}

// writeJSON marshals payload and writes it with the given status code,
// logging (but not re-raising) any write failure.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, logger, InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// logError logs a request-scoped error with its correlation ID.
func (s *Server) logError(r *http.Request, msg string, err error) {
	s.logger.Error(msg,
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}
