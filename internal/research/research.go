// Package research checks the external references a specification cites.
// The spec critic receives its per-URL reachability reports as auxiliary
// evidence; the engine never blocks or fails a review on researcher errors.
package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"loom/internal/shared/logging"
	"loom/internal/task"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 256 * 1024
	maxNoteLen     = 160
	userAgent      = "loom-researcher/1.0 (reference checker)"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs returns the distinct http(s) URLs cited in text, in first
// appearance order, capped at max. max <= 0 means no cap.
func ExtractURLs(text string, max int) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		u := strings.TrimRight(raw, ".,;:!?")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
		if max > 0 && len(urls) == max {
			break
		}
	}
	return urls
}

// Researcher reports whether cited references are reachable. Implementations
// never fail the review: problems become unreachable reports with the cause
// in the notes.
type Researcher interface {
	Verify(ctx context.Context, urls []string) []task.URLReport
}

// HTTPResearcher probes each URL with a bounded GET and notes the page title
// of reachable documents.
type HTTPResearcher struct {
	client  *http.Client
	timeout time.Duration
	logger  logging.Logger
}

var _ Researcher = (*HTTPResearcher)(nil)

// NewHTTPResearcher builds a researcher with a per-URL timeout. timeout <= 0
// falls back to 10s.
func NewHTTPResearcher(timeout time.Duration, logger logging.Logger) *HTTPResearcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPResearcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}
}

func (r *HTTPResearcher) Verify(ctx context.Context, urls []string) []task.URLReport {
	reports := make([]task.URLReport, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		report := r.probe(ctx, u)
		if !report.Reachable {
			r.logger.Debug("reference %s unreachable: %s", u, report.Notes)
		}
		reports = append(reports, report)
	}
	return reports
}

func (r *HTTPResearcher) probe(ctx context.Context, url string) task.URLReport {
	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return task.URLReport{URL: url, Notes: clip("invalid url: " + err.Error())}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return task.URLReport{URL: url, Notes: clip(err.Error())}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return task.URLReport{URL: url, Notes: fmt.Sprintf("HTTP %s", resp.Status)}
	}

	notes := "reachable"
	if title := pageTitle(io.LimitReader(resp.Body, maxBodyBytes)); title != "" {
		notes = clip(title)
	}
	return task.URLReport{URL: url, Reachable: true, Notes: notes}
}

func pageTitle(body io.Reader) string {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxNoteLen {
		return s[:maxNoteLen] + "..."
	}
	return s
}
