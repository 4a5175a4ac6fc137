package client

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// RejectReason categorizes why a caller-supplied run_id was rejected in
// favor of a generated one, per spec.md §4.6.4's rule table.
type RejectReason string

const (
	RejectEmpty       RejectReason = "empty"
	RejectTooLong     RejectReason = "too_long"
	RejectInvalidChar RejectReason = "invalid_chars"
)

// RunIDMetrics is the thread-safe counter snapshot get_run_id_metrics()
// returns: how often callers supplied a usable custom run_id vs. fell back
// to a generated one, broken down by rejection reason, plus how often a
// collision forced a repair.
type RunIDMetrics struct {
	CustomAccepted    int            `json:"custom_accepted"`
	Generated         int            `json:"generated"`
	Rejected          RejectedCounts `json:"rejected"`
	DuplicatesDetected int           `json:"duplicates_detected"`
	TotalRuns         int            `json:"total_runs"`
	CustomPercentage  float64        `json:"custom_percentage"`
}

// RejectedCounts breaks rejections down by the rule that failed.
type RejectedCounts struct {
	Empty        int `json:"empty"`
	TooLong      int `json:"too_long"`
	InvalidChars int `json:"invalid_chars"`
	Total        int `json:"total"`
}

// runIDCounters accumulates the raw counts RunIDMetrics is built from.
type runIDCounters struct {
	mu                 sync.Mutex
	customAccepted     int
	generated          int
	rejectedEmpty      int
	rejectedTooLong    int
	rejectedInvalid    int
	duplicatesDetected int
}

func newRunIDCounters() *runIDCounters {
	return &runIDCounters{}
}

func (c *runIDCounters) recordCustomAccepted() {
	c.mu.Lock()
	c.customAccepted++
	c.mu.Unlock()
}

func (c *runIDCounters) recordGenerated() {
	c.mu.Lock()
	c.generated++
	c.mu.Unlock()
}

func (c *runIDCounters) recordRejected(reason RejectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch reason {
	case RejectEmpty:
		c.rejectedEmpty++
	case RejectTooLong:
		c.rejectedTooLong++
	case RejectInvalidChar:
		c.rejectedInvalid++
	}
}

func (c *runIDCounters) recordDuplicate() {
	c.mu.Lock()
	c.duplicatesDetected++
	c.mu.Unlock()
}

func (c *runIDCounters) snapshot() RunIDMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	rejectedTotal := c.rejectedEmpty + c.rejectedTooLong + c.rejectedInvalid
	totalRuns := c.customAccepted + c.generated

	var customPct float64
	if totalRuns > 0 {
		customPct = float64(c.customAccepted) / float64(totalRuns) * 100
	}

	return RunIDMetrics{
		CustomAccepted: c.customAccepted,
		Generated:      c.generated,
		Rejected: RejectedCounts{
			Empty:        c.rejectedEmpty,
			TooLong:      c.rejectedTooLong,
			InvalidChars: c.rejectedInvalid,
			Total:        rejectedTotal,
		},
		DuplicatesDetected: c.duplicatesDetected,
		TotalRuns:          totalRuns,
		CustomPercentage:   customPct,
	}
}

// resolveRunID applies spec.md §4.6.4 end to end: validate the caller's
// candidate (falling back to a generated id on any rule violation), then
// repair a collision against the active registry. The registry check uses
// RunID, not EventID, since the registry is keyed by event_id but collisions
// are a run_id concept.
func resolveRunID(candidate, agentName string, at time.Time, reg *registry, counters *runIDCounters) string {
	if candidate == "" {
		counters.recordGenerated()

		return repairIfActive(telemetry.GenerateRunID(agentName, at), reg, counters, false)
	}

	if err := telemetry.ValidRunID(candidate); err != nil {
		counters.recordRejected(classifyRejection(err))
		counters.recordGenerated()

		return repairIfActive(telemetry.GenerateRunID(agentName, at), reg, counters, false)
	}

	counters.recordCustomAccepted()

	return repairIfActive(candidate, reg, counters, true)
}

func classifyRejection(err error) RejectReason {
	switch {
	case errors.Is(err, telemetry.ErrRunIDRequired):
		return RejectEmpty
	case errors.Is(err, telemetry.ErrRunIDTooLong):
		return RejectTooLong
	case errors.Is(err, telemetry.ErrRunIDInvalidChars):
		return RejectInvalidChar
	default:
		return RejectInvalidChar
	}
}

// repairIfActive appends a -duplicate-{uuid8} suffix to a custom id already
// active in the registry, or regenerates a fresh id for an auto-generated
// collision (astronomically unlikely, but spec.md §4.6.4 still names it).
func repairIfActive(runID string, reg *registry, counters *runIDCounters, custom bool) string {
	if !reg.has(runID) {
		return runID
	}

	counters.recordDuplicate()

	if custom {
		return fmt.Sprintf("%s-duplicate-%s", runID, uuid8())
	}

	return repairIfActive(telemetry.GenerateRunID("agent", time.Now()), reg, counters, false)
}

func uuid8() string {
	b := make([]byte, 4) //nolint:mnd // 4 bytes -> 8 hex chars
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(fmt.Sprintf("%08x", time.Now().UnixNano())[:4]))
	}

	return hex.EncodeToString(b)
}
