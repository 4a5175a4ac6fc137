// Package telemetry provides the Run domain model shared by the storage
// engine, the ingestion API, and the client delivery pipeline.
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the canonical set of Run lifecycle states. Aliases accepted on
// the wire are mapped to these values by NormalizeStatus before they ever
// reach storage.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusPartial   Status = "partial"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is one of the six canonical statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailure, StatusPartial, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// GitCommitSource records how a Run's git_commit_* fields were populated.
type GitCommitSource string

const (
	GitCommitSourceManual GitCommitSource = "manual"
	GitCommitSourceLLM    GitCommitSource = "llm"
	GitCommitSourceCI     GitCommitSource = "ci"
)

// IsValid reports whether src is one of the three recognized sources.
func (src GitCommitSource) IsValid() bool {
	switch src {
	case GitCommitSourceManual, GitCommitSourceLLM, GitCommitSourceCI:
		return true
	default:
		return false
	}
}

// Run is the canonical entity tracked by the service: one row per agent/job
// execution, keyed by the client-generated idempotency key EventID.
type Run struct {
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	AgentName string `json:"agent_name"`
	JobType   string `json:"job_type"`
	Status    Status `json:"status"`

	DurationMs int `json:"duration_ms,omitempty"`

	ItemsDiscovered int `json:"items_discovered,omitempty"`
	ItemsSucceeded  int `json:"items_succeeded,omitempty"`
	ItemsFailed     int `json:"items_failed,omitempty"`
	ItemsSkipped    int `json:"items_skipped,omitempty"`

	InputSummary  string `json:"input_summary,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
	ErrorSummary  string `json:"error_summary,omitempty"`
	ErrorDetails  string `json:"error_details,omitempty"`

	SourceRef string `json:"source_ref,omitempty"`
	TargetRef string `json:"target_ref,omitempty"`

	Product       string `json:"product,omitempty"`
	ProductFamily string `json:"product_family,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Subdomain     string `json:"subdomain,omitempty"`

	Website        string `json:"website,omitempty"`
	WebsiteSection string `json:"website_section,omitempty"`
	ItemName       string `json:"item_name,omitempty"`

	GitRepo            string          `json:"git_repo,omitempty"`
	GitBranch          string          `json:"git_branch,omitempty"`
	GitCommitHash      string          `json:"git_commit_hash,omitempty"`
	GitRunTag          string          `json:"git_run_tag,omitempty"`
	GitCommitSource    GitCommitSource `json:"git_commit_source,omitempty"`
	GitCommitAuthor    string          `json:"git_commit_author,omitempty"`
	GitCommitTimestamp string          `json:"git_commit_timestamp,omitempty"`

	Host        string `json:"host,omitempty"`
	Environment string `json:"environment,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`

	// MetricsJSON and ContextJSON normally hold a decoded JSON object. If the
	// stored column value fails to parse, the field instead holds the raw
	// column string and the matching *ParseError sibling is set - a read
	// never fails outright just because one JSON column was corrupted.
	MetricsJSON           interface{} `json:"metrics_json,omitempty"`
	MetricsJSONParseError string      `json:"metrics_json_parse_error,omitempty"`
	ContextJSON           interface{} `json:"context_json,omitempty"`
	ContextJSONParseError string      `json:"context_json_parse_error,omitempty"`

	APIPosted     bool       `json:"api_posted"`
	APIPostedAt   *time.Time `json:"api_posted_at,omitempty"`
	APIRetryCount int        `json:"api_retry_count"`

	InsightID    string `json:"insight_id,omitempty"`
	ParentRunID  string `json:"parent_run_id,omitempty"`
}

// Sentinel validation errors. Checked with errors.Is/errors.As by callers
// that need to distinguish field-level failures (e.g. to build a 422
// response body).
var (
	ErrEventIDRequired   = errors.New("event_id is required")
	ErrRunIDRequired     = errors.New("run_id is required")
	ErrRunIDTooLong      = errors.New("run_id exceeds 255 characters")
	ErrRunIDInvalidChars = errors.New("run_id contains '/', '\\', or NUL")
	ErrAgentNameRequired = errors.New("agent_name is required")
	ErrJobTypeRequired   = errors.New("job_type is required")
	ErrStartTimeRequired = errors.New("start_time is required")
	ErrNegativeCounter   = errors.New("counter fields must be >= 0")
	ErrInvalidStatus     = errors.New("status is not a recognized value")
	ErrInvalidCommitSrc  = errors.New("git_commit_source must be one of manual, llm, ci")
	ErrInvalidCommitHash = errors.New("git_commit_hash must be 7-40 characters")
)

const (
	maxRunIDLength     = 255
	minCommitHashLen   = 7
	maxCommitHashLen   = 40
)

// ValidRunID reports whether id satisfies the custom-run_id rules of
// spec.md §4.6.4: non-empty after trimming, <=255 chars, no '/', '\', NUL.
func ValidRunID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrRunIDRequired
	}

	if len(id) > maxRunIDLength {
		return ErrRunIDTooLong
	}

	if strings.ContainsAny(id, "/\\\x00") {
		return ErrRunIDInvalidChars
	}

	return nil
}

// GenerateRunID builds the default run_id shape:
// {YYYYMMDD}T{HHMMSS}Z-{agent_name}-{uuid8}.
func GenerateRunID(agentName string, at time.Time) string {
	return fmt.Sprintf("%sT%sZ-%s-%s",
		at.UTC().Format("20060102"),
		at.UTC().Format("150405"),
		agentName,
		uuid8(),
	)
}

func uuid8() string {
	b := make([]byte, 4) //nolint:mnd // 4 bytes -> 8 hex chars
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(fmt.Sprintf("%08x", time.Now().UnixNano())[:4]))
	}

	return hex.EncodeToString(b)
}

// ValidateCreate checks the invariants that apply to a brand-new Run before
// it reaches the storage engine: required fields, counter non-negativity,
// status/commit-source membership, and commit-hash length when present.
// Status is expected to already have passed through NormalizeStatus.
func (r *Run) ValidateCreate() error {
	if strings.TrimSpace(r.EventID) == "" {
		return ErrEventIDRequired
	}

	if strings.TrimSpace(r.AgentName) == "" {
		return ErrAgentNameRequired
	}

	if strings.TrimSpace(r.JobType) == "" {
		return ErrJobTypeRequired
	}

	if r.StartTime.IsZero() {
		return ErrStartTimeRequired
	}

	if err := r.validateCounters(); err != nil {
		return err
	}

	if r.Status != "" && !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}

	if r.GitCommitSource != "" && !r.GitCommitSource.IsValid() {
		return ErrInvalidCommitSrc
	}

	if r.GitCommitHash != "" {
		n := len(r.GitCommitHash)
		if n < minCommitHashLen || n > maxCommitHashLen {
			return ErrInvalidCommitHash
		}
	}

	return nil
}

func (r *Run) validateCounters() error {
	if r.DurationMs < 0 ||
		r.ItemsDiscovered < 0 ||
		r.ItemsSucceeded < 0 ||
		r.ItemsFailed < 0 ||
		r.ItemsSkipped < 0 {
		return ErrNegativeCounter
	}

	return nil
}
