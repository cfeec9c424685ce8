package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/poolkeeper/internal/history"
)

// busyTimeoutMS lets the daemon and an inspecting CLI share one database file.
const busyTimeoutMS = 5000

// Sink writes worker history to a local SQLite file.
type Sink struct {
	*history.SQLSink
	path string
}

// New opens (and creates) the database named by dsn, which is either
// "sqlite:///abs/path.db", "sqlite://:memory:", a bare path, or ":memory:".
// File databases run in WAL mode so readers never block the supervisor.
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(path), "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite history dir: %w", err)
			}
		}
	}
	s, err := history.NewSQLSink("sqlite", openName(path, memory), history.DialectSQLite)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps ":memory:" alive between statements
	s.DB().SetMaxOpenConns(1)
	return &Sink{SQLSink: s, path: path}, nil
}

// Path is the database file, or ":memory:".
func (s *Sink) Path() string { return s.path }

func openName(path string, memory bool) string {
	if memory || strings.Contains(path, "?") {
		return path
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMS)
}
