package heartbeat

import (
	"strconv"
	"strings"
	"time"
)

// Kind classifies a log record.
type Kind string

const (
	KindHeartbeat Kind = "HEARTBEAT" // liveness marker
	KindCompleted Kind = "DONE"      // one unit of work finished
	KindOther     Kind = ""
)

// Record is a single parsed line of the shared worker log.
//
// Line format:
//
//	[<pid>] <timestamp> <LEVEL> <KIND> <detail...>
//
// The timestamp is RFC3339 (nanosecond precision when written by Format).
// Python logging asctime ("2006-01-02 15:04:05,000", local time) is
// accepted as well so logs produced by existing workers parse unchanged.
type Record struct {
	PID    int
	Time   time.Time
	Level  string
	Kind   Kind
	Detail string
}

// Evidence is what the log says about one pid.
// A zero LastHeartbeat means no heartbeat was ever seen. Completed counts
// every completion line for the pid; CompletedAt holds their timestamps in
// write order so a later owner of a reused pid can be told apart.
type Evidence struct {
	LastHeartbeat time.Time
	Completed     int
	CompletedAt   []time.Time
}

// Seen reports whether at least one heartbeat was recorded.
func (e Evidence) Seen() bool { return !e.LastHeartbeat.IsZero() }

// CompletedSince counts completions logged at or after t.
func (e Evidence) CompletedSince(t time.Time) int {
	n := 0
	for i := len(e.CompletedAt) - 1; i >= 0; i-- {
		if e.CompletedAt[i].Before(t) {
			break
		}
		n++
	}
	return n
}

// apply folds a record into evidence. Records are consumed in write order,
// so the last heartbeat line wins.
func (e Evidence) apply(r Record) Evidence {
	switch r.Kind {
	case KindHeartbeat:
		e.LastHeartbeat = r.Time
	case KindCompleted:
		e.Completed++
		e.CompletedAt = append(e.CompletedAt, r.Time)
	}
	return e
}

var levels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARN": {}, "WARNING": {}, "ERROR": {}, "CRITICAL": {}, "FATAL": {},
}

var asctimeLayouts = []string{
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
}

// ParseLine parses one log line. ok is false for lines that do not carry a
// pid prefix or a parsable timestamp; such lines are not evidence.
func ParseLine(line string) (rec Record, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "[") {
		return Record{}, false
	}
	end := strings.IndexByte(line, ']')
	if end < 2 {
		return Record{}, false
	}
	pid, err := strconv.Atoi(line[1:end])
	if err != nil || pid <= 0 {
		return Record{}, false
	}
	fields := strings.Fields(line[end+1:])
	if len(fields) == 0 {
		return Record{}, false
	}
	ts, used, ok := parseTimestamp(fields)
	if !ok {
		return Record{}, false
	}
	fields = fields[used:]
	rec = Record{PID: pid, Time: ts}
	if len(fields) > 0 {
		if _, isLevel := levels[strings.ToUpper(fields[0])]; isLevel {
			rec.Level = strings.ToUpper(fields[0])
			fields = fields[1:]
		}
	}
	if len(fields) > 0 {
		switch Kind(fields[0]) {
		case KindHeartbeat, KindCompleted:
			rec.Kind = Kind(fields[0])
			fields = fields[1:]
		}
	}
	rec.Detail = strings.Join(fields, " ")
	// Older workers only mark completions with the word DONE somewhere in
	// the message.
	if rec.Kind == KindOther && strings.Contains(rec.Detail, string(KindCompleted)) {
		rec.Kind = KindCompleted
	}
	return rec, true
}

func parseTimestamp(fields []string) (time.Time, int, bool) {
	if t, err := time.Parse(time.RFC3339Nano, fields[0]); err == nil {
		return t, 1, true
	}
	if len(fields) < 2 {
		return time.Time{}, 0, false
	}
	joined := fields[0] + " " + fields[1]
	for _, layout := range asctimeLayouts {
		if t, err := time.ParseInLocation(layout, joined, time.Local); err == nil {
			return t, 2, true
		}
	}
	return time.Time{}, 0, false
}

// Format renders a record in the canonical line format, without the
// trailing newline.
func Format(r Record) string {
	level := r.Level
	if level == "" {
		level = "INFO"
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(r.PID))
	b.WriteString("] ")
	b.WriteString(r.Time.UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(level)
	if r.Kind != KindOther {
		b.WriteByte(' ')
		b.WriteString(string(r.Kind))
	}
	if d := strings.TrimSpace(strings.ReplaceAll(r.Detail, "\n", " ")); d != "" {
		b.WriteByte(' ')
		b.WriteString(d)
	}
	return b.String()
}
