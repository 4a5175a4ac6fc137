package telemetry

import (
	"errors"
	"fmt"
)

// ErrInvalidPatchValue is returned by FilterSettablePatch when a settable
// field's value violates the same constraints ValidateCreate enforces at
// create time (counter non-negativity, status/commit-source membership,
// commit-hash length). Callers map this to 422, distinct from ErrEmptyPatch's 400.
var ErrInvalidPatchValue = errors.New("invalid patch value")

// nonNegativeFields are the settable counter/duration columns the CHECK
// constraints in migrations/001_create_agent_runs.up.sql also enforce at
// the storage layer; validating here turns a would-be 500 (CHECK
// violation) into a 422 with a useful message.
var nonNegativeFields = map[string]bool{
	"duration_ms":      true,
	"items_discovered": true,
	"items_succeeded":  true,
	"items_failed":     true,
	"items_skipped":    true,
}

// settableFields are the only columns a PATCH request may touch. event_id
// and run_id are never included: spec.md §3.1 states they are immutable
// once a Run row exists.
var settableFields = map[string]bool{
	"end_time":             true,
	"status":               true,
	"duration_ms":          true,
	"items_discovered":     true,
	"items_succeeded":      true,
	"items_failed":         true,
	"items_skipped":        true,
	"input_summary":        true,
	"output_summary":       true,
	"error_summary":        true,
	"error_details":        true,
	"source_ref":           true,
	"target_ref":           true,
	"product":              true,
	"product_family":       true,
	"platform":             true,
	"subdomain":            true,
	"website":              true,
	"website_section":      true,
	"item_name":            true,
	"git_repo":             true,
	"git_branch":           true,
	"git_commit_hash":      true,
	"git_run_tag":          true,
	"git_commit_source":    true,
	"git_commit_author":    true,
	"git_commit_timestamp": true,
	"host":                 true,
	"environment":          true,
	"trigger_type":         true,
	"metrics_json":         true,
	"context_json":         true,
	"api_posted":           true,
	"api_posted_at":        true,
	"api_retry_count":      true,
	"insight_id":           true,
	"parent_run_id":        true,
}

// Validator performs boundary validation shared by the HTTP handlers: it
// normalizes status before the storage engine's CHECK constraint ever sees
// it, and filters/validates partial-update patches.
type Validator struct{}

// NewValidator creates a Validator. It carries no state, so one instance is
// shared across all requests (thread-safe by construction).
func NewValidator() *Validator {
	return &Validator{}
}

// FilterSettablePatch drops any key not in settableFields, normalizes the
// status value if present, and validates every field the same way
// ValidateCreate does. Returns ErrEmptyPatch if nothing remains after
// filtering - callers translate that into a 400 per spec.md §4.1. Returns
// ErrInvalidPatchValue (wrapped, field-specific) if a remaining field fails
// validation - callers translate that into a 422.
func (v *Validator) FilterSettablePatch(patch map[string]interface{}) (map[string]interface{}, error) {
	filtered := make(map[string]interface{}, len(patch))

	for key, value := range patch {
		if !settableFields[key] {
			continue
		}

		if key == "status" {
			if s, ok := value.(string); ok {
				normalized := NormalizeStatus(s)
				if !normalized.IsValid() {
					return nil, fmt.Errorf("%w: status %q is not a recognized value", ErrInvalidPatchValue, s)
				}

				value = string(normalized)
			}
		}

		if nonNegativeFields[key] {
			if n, ok := value.(float64); ok && n < 0 {
				return nil, fmt.Errorf("%w: %s must be >= 0", ErrInvalidPatchValue, key)
			}
		}

		if key == "git_commit_source" {
			if s, ok := value.(string); ok && s != "" && !GitCommitSource(s).IsValid() {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPatchValue, ErrInvalidCommitSrc)
			}
		}

		if key == "git_commit_hash" {
			if s, ok := value.(string); ok && s != "" {
				if err := ValidateCommitHash(s); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrInvalidPatchValue, err)
				}
			}
		}

		filtered[key] = value
	}

	if len(filtered) == 0 {
		return nil, ErrEmptyPatch
	}

	return filtered, nil
}

// ValidateCommitHash enforces the 7-40 character length rule used both at
// create time and by the associate-commit endpoint.
func ValidateCommitHash(hash string) error {
	n := len(hash)
	if n < minCommitHashLen || n > maxCommitHashLen {
		return fmt.Errorf("%w: got %d characters", ErrInvalidCommitHash, n)
	}

	return nil
}
