package telemetry

import "strings"

// aliasToCanonical maps every accepted wire alias to its canonical Status.
// Canonical values map to themselves so NormalizeStatus is idempotent
// (spec.md §8.2's status-normalizer-idempotence law).
var aliasToCanonical = map[string]Status{
	"running":   StatusRunning,
	"success":   StatusSuccess,
	"succeeded": StatusSuccess,
	"completed": StatusSuccess,
	"failure":   StatusFailure,
	"failed":    StatusFailure,
	"partial":   StatusPartial,
	"timeout":   StatusTimeout,
	"cancelled": StatusCancelled,
}

// NormalizeStatus maps known aliases (failed->failure, completed/succeeded->
// success) to the canonical six-value set. Canonical values and unknown
// values both pass through unchanged: this is a total function, never an
// error. Unknown values are rejected later, at the CHECK-constraint write
// path or by simply matching no rows at query time.
func NormalizeStatus(s string) Status {
	trimmed := strings.ToLower(strings.TrimSpace(s))

	if canonical, ok := aliasToCanonical[trimmed]; ok {
		return canonical
	}

	return Status(s)
}
