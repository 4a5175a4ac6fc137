package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// bufferedEvent is one pending POST the sync worker owes the ingestion API:
// the run payload plus which endpoint/verb it belongs to, so start_run and
// end_run failures can both be buffered and replayed correctly.
type bufferedEvent struct {
	EventID   string         `json:"event_id"`
	Operation string         `json:"operation"` // "start_run" or "end_run"
	Run       *telemetry.Run `json:"run"`
}

// buffer is the durable on-disk failover queue spec.md §4.6.5 describes:
// one JSON file per event, written via a temp-file-plus-rename so a crash
// mid-write never leaves a half-written file for the sync worker to pick up.
type buffer struct {
	dir string
}

func newBuffer(dir string) *buffer {
	return &buffer{dir: dir}
}

// enqueue persists event durably. The file name is the event's id plus
// operation, so a start_run and end_run failure for the same run don't
// collide.
func (b *buffer) enqueue(event bufferedEvent) error {
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("create buffer dir: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal buffered event: %w", err)
	}

	finalPath := b.path(event)

	tmp, err := os.CreateTemp(b.dir, "buffer-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp buffer file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("write temp buffer file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("close temp buffer file: %w", err)
	}

	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("rename buffer file into place: %w", err)
	}

	return nil
}

func (b *buffer) path(event bufferedEvent) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s-%s.json", event.EventID, event.Operation))
}

// remove deletes a buffer file after a successful replay. Missing files are
// not an error: a concurrent sync pass may have already cleared it.
func (b *buffer) remove(fileName string) error {
	err := os.Remove(filepath.Join(b.dir, fileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// list returns the buffered file names in a stable lexical order, skipping
// any leftover temp files from an interrupted enqueue. Names start with a
// random event_id, so this order is not the order of enqueueing.
func (b *buffer) list() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read buffer dir: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

func (b *buffer) read(fileName string) (bufferedEvent, error) {
	var event bufferedEvent

	data, err := os.ReadFile(filepath.Join(b.dir, fileName)) //nolint:gosec // fileName comes from our own list()
	if err != nil {
		return event, fmt.Errorf("read buffer file: %w", err)
	}

	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("unmarshal buffer file %s: %w", fileName, err)
	}

	return event, nil
}
