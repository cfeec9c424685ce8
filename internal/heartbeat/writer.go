package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Append writes one record to the log at path, creating it if needed.
// The line is written with a single write on an O_APPEND descriptor so
// concurrent writers never interleave within a line.
func Append(path string, rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("heartbeat: invalid pid %d", rec.PID)
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("heartbeat: create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("heartbeat: open log: %w", err)
	}
	_, werr := f.WriteString(Format(rec) + "\n")
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("heartbeat: write: %w", werr)
	}
	return cerr
}
