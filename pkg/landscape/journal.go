package landscape

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal mirrors recorder writes to an append-only JSONL file. It exists
// for debugging and tailing a live run; the database remains the only
// authoritative trail, so journal write failures are logged and dropped
// rather than failing the pipeline.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens (or creates) a JSONL journal at path.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{file: f}, nil
}

// Append writes one journal line. Field keys "op" and "ts" are reserved.
func (j *Journal) Append(op string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["op"] = op
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("Journal entry not serializable, dropped", "op", op, "error", err)
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		slog.Warn("Journal write failed", "op", op, "error", err)
	}
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}
