// Package validate independently checks that a document a provider pointed
// at actually exists before the result is trusted.
package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
)

// Status classifies a reachability check.
type Status string

const (
	Reachable   Status = "reachable"
	WrongType   Status = "wrong_type"
	TooSmall    Status = "too_small"
	Unreachable Status = "unreachable"
)

// Acceptable reports whether a result with this status may be cached.
// TooSmall is a warning only.
func (s Status) Acceptable() bool {
	return s == Reachable || s == TooSmall
}

// Result is the outcome of one check.
type Result struct {
	Status      Status
	StatusCode  int
	ContentType string
	// SizeBytes is -1 when the server did not report a length.
	SizeBytes int64
	Reason    string
	// Bonus is set for reachable artifacts of a reasonable, known size.
	Bonus bool
}

// SizeKnown reports whether the server reported a length.
func (r Result) SizeKnown() bool { return r.SizeBytes >= 0 }

// Config controls the checker.
type Config struct {
	MinSizeBytes int64
	AllowedTypes []string
	Timeout      time.Duration
	PerHostRPS   float64
	UserAgent    string
	Retry        resilience.RetryConfig
}

// DefaultConfig returns the default checker settings.
func DefaultConfig() Config {
	return Config{
		MinSizeBytes: 20 * 1024,
		AllowedTypes: []string{"application/pdf", "application/x-pdf", "application/octet-stream", "text/html"},
		Timeout:      10 * time.Second,
		PerHostRPS:   2,
		UserAgent:    "equipment-resolver/1.0",
		Retry:        resilience.DefaultRetryConfig(),
	}
}

// Checker performs reachability checks. It is safe for concurrent use.
type Checker struct {
	cfg      Config
	http     *http.Client
	limiters *limiterSet
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Checker) { ch.http = c }
}

// NewChecker creates a Checker, filling zero config values from DefaultConfig.
func NewChecker(cfg Config, opts ...Option) *Checker {
	def := DefaultConfig()
	if cfg.MinSizeBytes <= 0 {
		cfg.MinSizeBytes = def.MinSizeBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = def.AllowedTypes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PerHostRPS <= 0 {
		cfg.PerHostRPS = def.PerHostRPS
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	ch := &Checker{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiters: newLimiterSet(rate.Limit(cfg.PerHostRPS), 2),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Validate checks that doc.URL exists, has an allowed content type, and is
// not suspiciously small.
func (c *Checker) Validate(ctx context.Context, doc model.DocumentRef) Result {
	u, err := url.Parse(strings.TrimSpace(doc.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{Status: Unreachable, SizeBytes: -1, Reason: "invalid url"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	lim := c.limiters.get(u.Host)
	cfg := c.cfg.Retry
	cfg.OnRetry = resilience.RetryLogger("validate", u.Host)

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (Result, error) {
		if err := lim.Wait(ctx); err != nil {
			return Result{}, eris.Wrap(err, "validate: rate limiter wait")
		}
		res, err := c.probe(ctx, u.String())
		if err != nil {
			return Result{}, err
		}
		if res.StatusCode == http.StatusTooManyRequests {
			lim.onRateLimit(u.Host)
		} else {
			lim.onSuccess()
		}
		if resilience.IsTransientHTTPStatus(res.StatusCode) {
			return res, resilience.NewTransientError(fmt.Errorf("validate: status %d", res.StatusCode), res.StatusCode)
		}
		return res, nil
	})
	if err != nil {
		var te *resilience.TransientError
		if errors.As(err, &te) && te.StatusCode > 0 {
			return Result{Status: Unreachable, StatusCode: te.StatusCode, SizeBytes: -1, Reason: err.Error()}
		}
		zap.L().Debug("validate: probe failed", zap.String("url", doc.URL), zap.Error(err))
		return Result{Status: Unreachable, SizeBytes: -1, Reason: err.Error()}
	}
	return c.classify(res)
}

// probe issues HEAD, falling back to a one-byte ranged GET for servers that
// refuse HEAD.
func (c *Checker) probe(ctx context.Context, rawURL string) (Result, error) {
	res, err := c.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return Result{}, err
	}
	switch res.StatusCode {
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusForbidden:
		return c.do(ctx, http.MethodGet, rawURL)
	}
	return res, nil
}

func (c *Checker) do(ctx context.Context, method, rawURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return Result{}, eris.Wrap(err, "validate: create request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, eris.Wrapf(err, "validate: %s %s", method, rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res := Result{
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
		SizeBytes:   -1,
	}
	switch total, ok := rangeTotal(resp.Header.Get("Content-Range")); {
	case ok:
		res.SizeBytes = total
	case resp.StatusCode == http.StatusPartialContent:
	default:
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			res.SizeBytes = n
		} else if resp.ContentLength > 0 {
			res.SizeBytes = resp.ContentLength
		}
	}
	return res, nil
}

func (c *Checker) classify(res Result) Result {
	switch {
	case res.StatusCode >= 400 || res.StatusCode == 0:
		res.Status = Unreachable
		res.Reason = fmt.Sprintf("status %d", res.StatusCode)
	case res.ContentType != "" && !slices.Contains(c.cfg.AllowedTypes, res.ContentType):
		res.Status = WrongType
		res.Reason = "content type " + res.ContentType
	case res.SizeKnown() && res.SizeBytes < c.cfg.MinSizeBytes && res.ContentType != "text/html":
		res.Status = TooSmall
		res.Reason = fmt.Sprintf("%d bytes", res.SizeBytes)
	default:
		res.Status = Reachable
		res.Bonus = res.SizeKnown() && res.SizeBytes >= c.cfg.MinSizeBytes
	}
	return res
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}

// rangeTotal extracts the total length from "bytes 0-0/12345".
func rangeTotal(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
