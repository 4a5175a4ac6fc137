package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

func validRun() *telemetry.Run {
	return &telemetry.Run{
		EventID:   "e1",
		RunID:     "r1",
		AgentName: "agent-a",
		JobType:   "scrape",
		StartTime: time.Now(),
		Status:    telemetry.StatusRunning,
	}
}

func TestRunValidateCreate(t *testing.T) {
	t.Parallel()

	t.Run("valid run passes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, validRun().ValidateCreate())
	})

	t.Run("missing event_id", func(t *testing.T) {
		t.Parallel()
		r := validRun()
		r.EventID = ""
		assert.ErrorIs(t, r.ValidateCreate(), telemetry.ErrEventIDRequired)
	})

	t.Run("missing agent_name", func(t *testing.T) {
		t.Parallel()
		r := validRun()
		r.AgentName = ""
		assert.ErrorIs(t, r.ValidateCreate(), telemetry.ErrAgentNameRequired)
	})

	t.Run("missing start_time", func(t *testing.T) {
		t.Parallel()
		r := validRun()
		r.StartTime = time.Time{}
		assert.ErrorIs(t, r.ValidateCreate(), telemetry.ErrStartTimeRequired)
	})

	t.Run("negative counter rejected", func(t *testing.T) {
		t.Parallel()
		r := validRun()
		r.ItemsFailed = -1
		assert.ErrorIs(t, r.ValidateCreate(), telemetry.ErrNegativeCounter)
	})

	t.Run("invalid commit source rejected", func(t *testing.T) {
		t.Parallel()
		r := validRun()
		r.GitCommitSource = "robot"
		assert.ErrorIs(t, r.ValidateCreate(), telemetry.ErrInvalidCommitSrc)
	})

	t.Run("short commit hash rejected", func(t *testing.T) {
		t.Parallel()
		r := validRun()
		r.GitCommitHash = "ab"
		assert.ErrorIs(t, r.ValidateCreate(), telemetry.ErrInvalidCommitHash)
	})
}

func TestValidRunID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"empty", "", telemetry.ErrRunIDRequired},
		{"whitespace only", "   ", telemetry.ErrRunIDRequired},
		{"too long", stringOfLen(256), telemetry.ErrRunIDTooLong},
		{"contains slash", "a/b", telemetry.ErrRunIDInvalidChars},
		{"contains backslash", `a\b`, telemetry.ErrRunIDInvalidChars},
		{"contains NUL", "a\x00b", telemetry.ErrRunIDInvalidChars},
		{"valid", "my-run-id", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := telemetry.ValidRunID(tt.id)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestGenerateRunID(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id := telemetry.GenerateRunID("agent-a", at)

	assert.Contains(t, id, "20260102T030405Z-agent-a-")
	assert.NoError(t, telemetry.ValidRunID(id))
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}

	return string(b)
}
