package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/poolkeeper/internal/history"
)

// Options locate the target index. With Daily set, events go to
// "<Index>-YYYY.MM.DD" by their OccurredAt date (UTC).
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Daily    bool
	Timeout  time.Duration
}

// Sink indexes each event as one document via POST <base>/<index>/_doc.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(o Options) *Sink {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: o.Timeout}, opts: o}
}

// IndexFor returns the index an event is written to.
func (s *Sink) IndexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.opts.Index + "-" + at.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.opts.BaseURL, s.IndexFor(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
