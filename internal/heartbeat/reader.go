package heartbeat

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"slices"
	"sync"
)

// headLen is how many leading bytes are remembered to notice a log that was
// truncated and refilled between two reads.
const headLen = 64

// Reader turns the shared append-only log into per-pid evidence.
// It remembers how far it has read so each call only parses new lines;
// truncation or replacement of the file resets it to a full re-read.
// It is safe for concurrent use.
type Reader struct {
	path string

	mu       sync.Mutex
	offset   int64
	info     os.FileInfo
	head     []byte
	evidence map[int]Evidence
	skipped  int
}

func NewReader(path string) *Reader {
	return &Reader{path: path, evidence: make(map[int]Evidence)}
}

// Path returns the log file path.
func (r *Reader) Path() string { return r.path }

// Read returns the evidence for every pid found in the log so far.
// A missing log file is not an error: it simply carries no evidence.
func (r *Reader) Read() (map[int]Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.resetLocked()
			return map[int]Evidence{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if r.rewritten(f, fi) {
		r.resetLocked()
	}
	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			// A trailing line without newline may still be in the middle
			// of being written; leave it for the next read.
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if r.offset == 0 {
			r.rememberHead(line)
		}
		r.offset += int64(len(line))
		rec, ok := ParseLine(line)
		if !ok {
			r.skipped++
			continue
		}
		r.evidence[rec.PID] = r.evidence[rec.PID].apply(rec)
	}
	r.info = fi
	return r.copyLocked(), nil
}

// Skipped returns how many lines were ignored as malformed since the last reset.
func (r *Reader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Truncate empties the log and forgets everything read so far.
func (r *Reader) Truncate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Truncate(r.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	r.resetLocked()
	return nil
}

func (r *Reader) rewritten(f *os.File, fi os.FileInfo) bool {
	if r.info == nil {
		return r.offset != 0
	}
	if !os.SameFile(r.info, fi) || fi.Size() < r.offset {
		return true
	}
	if len(r.head) == 0 {
		return false
	}
	buf := make([]byte, len(r.head))
	if _, err := f.ReadAt(buf, 0); err != nil {
		return true
	}
	return !bytes.Equal(buf, r.head)
}

func (r *Reader) rememberHead(line string) {
	n := len(line)
	if n > headLen {
		n = headLen
	}
	r.head = []byte(line[:n])
}

func (r *Reader) resetLocked() {
	r.offset = 0
	r.info = nil
	r.head = nil
	r.skipped = 0
	r.evidence = make(map[int]Evidence)
}

func (r *Reader) copyLocked() map[int]Evidence {
	out := make(map[int]Evidence, len(r.evidence))
	for pid, ev := range r.evidence {
		// callers may append to their copy without touching ours
		ev.CompletedAt = slices.Clip(ev.CompletedAt)
		out[pid] = ev
	}
	return out
}
