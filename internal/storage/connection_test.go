package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-run/telemetry/internal/storage"
)

func TestNewConnectionDurabilityValidation(t *testing.T) {
	t.Run("opens successfully with default DELETE/FULL posture", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")
		t.Setenv("TELEMETRY_DB_PATH", dbPath)

		conn, err := storage.NewConnection(storage.LoadConfig())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
	})

	t.Run("rejects a non-FULL synchronous mode", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")
		t.Setenv("TELEMETRY_DB_PATH", dbPath)
		t.Setenv("TELEMETRY_DB_SYNCHRONOUS", "NORMAL")

		_, err := storage.NewConnection(storage.LoadConfig())
		assert.ErrorIs(t, err, storage.ErrNonFullSynchronous)
	})

	t.Run("tolerates a non-DELETE journal mode (advisory only)", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")
		t.Setenv("TELEMETRY_DB_PATH", dbPath)
		t.Setenv("TELEMETRY_DB_JOURNAL_MODE", "WAL")

		conn, err := storage.NewConnection(storage.LoadConfig())
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
	})
}
