// Package links probes URLs discovered in generated text and classifies
// their reachability. Probe failures are metadata, never fatal.
package links

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProbeTimeout is the per-URL probe budget.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultBatchSize bounds the number of concurrent outbound probes.
	DefaultBatchSize = 5
	// DefaultUserAgent is sent on probe requests.
	DefaultUserAgent = "Mozilla/5.0 (compatible; Answerforge/1.0)"
)

// Outcome classifies a single probe.
type Outcome string

// Probe outcomes.
const (
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
	OutcomeTimeout Outcome = "timeout"
)

// Result records one probe. It is ephemeral; callers consume it immediately.
type Result struct {
	URL        string        `json:"url"`
	Outcome    Outcome       `json:"outcome"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// Options configures a Validator.
type Options struct {
	Timeout   time.Duration
	BatchSize int
	UserAgent string
	Client    *http.Client
}

// Validator issues lightweight HEAD probes with bounded concurrency.
type Validator struct {
	client    *http.Client
	timeout   time.Duration
	batchSize int
	userAgent string
}

// NewValidator creates a Validator, filling unset options with defaults.
func NewValidator(opts *Options) *Validator {
	if opts == nil {
		opts = &Options{}
	}
	v := &Validator{
		client:    opts.Client,
		timeout:   opts.Timeout,
		batchSize: opts.BatchSize,
		userAgent: opts.UserAgent,
	}
	if v.client == nil {
		v.client = &http.Client{}
	}
	if v.timeout <= 0 {
		v.timeout = DefaultProbeTimeout
	}
	if v.batchSize <= 0 {
		v.batchSize = DefaultBatchSize
	}
	if v.userAgent == "" {
		v.userAgent = DefaultUserAgent
	}
	return v
}

// Validate probes each URL and returns one Result per input, in input order.
// URLs are processed in fixed-size batches: a batch must fully resolve before
// the next one starts. A single URL's failure never aborts the others.
func (v *Validator) Validate(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	for start := 0; start < len(urls); start += v.batchSize {
		end := start + v.batchSize
		if end > len(urls) {
			end = len(urls)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = v.probe(gctx, urls[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// probe issues a single HEAD request, following redirects.
func (v *Validator) probe(ctx context.Context, raw string) Result {
	res := Result{URL: raw, Outcome: OutcomeInvalid}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		res.Error = "malformed URL"
		return res
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, raw, nil)
	if err != nil {
		res.Error = fmt.Sprintf("failed to build request: %v", err)
		return res
	}
	req.Header.Set("User-Agent", v.userAgent)

	start := time.Now()
	resp, err := v.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Outcome = OutcomeTimeout
			res.Error = "probe timed out"
		} else {
			res.Error = err.Error()
		}
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	res.HTTPStatus = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Outcome = OutcomeValid
	} else {
		res.Error = fmt.Sprintf("HTTP status %d", resp.StatusCode)
	}
	return res
}

// urlPattern matches URL-shaped substrings in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>()"'\x60]+`)

// ExtractURLs scans free text for URLs and de-duplicates them, preserving
// first-appearance order. Trailing punctuation is stripped.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?]")
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
