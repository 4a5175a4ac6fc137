package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want telemetry.Status
	}{
		{"failed alias", "failed", telemetry.StatusFailure},
		{"completed alias", "completed", telemetry.StatusSuccess},
		{"succeeded alias", "succeeded", telemetry.StatusSuccess},
		{"canonical passthrough", "success", telemetry.StatusSuccess},
		{"case insensitive", "FAILED", telemetry.StatusFailure},
		{"whitespace trimmed", "  failed  ", telemetry.StatusFailure},
		{"unknown passthrough", "bogus", telemetry.Status("bogus")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, telemetry.NormalizeStatus(tt.in))
		})
	}
}

func TestNormalizeStatusIdempotence(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"failed", "completed", "success", "bogus", "RUNNING"} {
		once := telemetry.NormalizeStatus(s)
		twice := telemetry.NormalizeStatus(string(once))
		assert.Equal(t, once, twice, "normalize(normalize(%q)) must equal normalize(%q)", s, s)
	}
}
