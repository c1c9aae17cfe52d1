// Package visitor issues one GET per service unsubscribe link with bounded
// concurrency and classifies each outcome.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eraser-privacy/unsubscriber/internal/logger"
	"github.com/eraser-privacy/unsubscriber/internal/service"
)

const (
	DefaultConcurrency = 5
	DefaultTimeout     = 10 * time.Second
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	maxRedirects = 10
	maxBodyBytes = 64 * 1024
)

// Outcome classifies a single visit.
type Outcome int

const (
	Success Outcome = iota
	Timeout
	ConnectionError
	BadStatus
	UnknownError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case ConnectionError:
		return "connection_error"
	case BadStatus:
		return "bad_status"
	case UnknownError:
		return "unknown_error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result holds the outcome of visiting one service's canonical link.
type Result struct {
	Domain     string
	Company    string
	URL        string
	Outcome    Outcome
	StatusCode int // set for Success and BadStatus
	Err        error
	Duration   time.Duration
}

func (r Result) Succeeded() bool { return r.Outcome == Success }

// Summary is what VisitAll returns once every request finished.
type Summary struct {
	Results   []Result // in input order
	Succeeded int
}

func (s Summary) Failed() int { return len(s.Results) - s.Succeeded }

type Options struct {
	Concurrency int
	Timeout     time.Duration
	UserAgent   string
	// Client is shared by every request. A default client is built when nil.
	Client *http.Client
	// OnResult is called once per finished visit, possibly concurrently.
	OnResult func(Result)
}

type Visitor struct {
	client      *http.Client
	concurrency int
	timeout     time.Duration
	userAgent   string
	onResult    func(Result)
}

func New(opts Options) *Visitor {
	v := &Visitor{
		client:      opts.Client,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		userAgent:   opts.UserAgent,
		onResult:    opts.OnResult,
	}
	if v.concurrency <= 0 {
		v.concurrency = DefaultConcurrency
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.userAgent == "" {
		v.userAgent = DefaultUserAgent
	}
	if v.client == nil {
		v.client = newClient(v.concurrency)
	}
	return v
}

func newClient(concurrency int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = concurrency

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// VisitAll visits every record, keeping at most the configured number of
// requests in flight. It returns after all of them completed; no single
// failure stops the others.
func (v *Visitor) VisitAll(ctx context.Context, records []service.Record) Summary {
	results := make([]Result, len(records))

	var g errgroup.Group
	g.SetLimit(v.concurrency)

	for i, rec := range records {
		g.Go(func() error {
			results[i] = v.Visit(ctx, rec)
			if v.onResult != nil {
				v.onResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Results: results}
	for _, r := range results {
		if r.Succeeded() {
			summary.Succeeded++
		}
	}

	logger.Info(ctx, "visited unsubscribe links",
		zap.Int("total", len(results)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed()))

	return summary
}

// Visit sends a GET request to the record's URL and classifies the response.
// Only status 200 counts as success.
func (v *Visitor) Visit(ctx context.Context, rec service.Record) Result {
	start := time.Now()
	result := v.visit(ctx, rec)
	result.Duration = time.Since(start)
	return result
}

func (v *Visitor) visit(ctx context.Context, rec service.Record) Result {
	result := Result{Domain: rec.Domain, Company: rec.Company, URL: rec.URL}
	ctx = logger.WithFields(ctx, zap.String("domain", rec.Domain), zap.String("url", rec.URL))

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	logger.Debug(ctx, "visiting")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		result.Outcome = UnknownError
		result.Err = fmt.Errorf("failed to create request: %w", err)
		logger.Warn(ctx, "visit failed", zap.Error(result.Err))
		return result
	}

	req.Header.Set("User-Agent", v.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := v.client.Do(req)
	if err != nil {
		result.Outcome = classifyError(err)
		result.Err = err
		logger.Warn(ctx, "visit failed", zap.Stringer("outcome", result.Outcome), zap.Error(err))
		return result
	}
	defer resp.Body.Close()

	// Drain so the connection can go back to the pool.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		result.Outcome = BadStatus
		result.Err = fmt.Errorf("unexpected status code %d", resp.StatusCode)
		logger.Warn(ctx, "visit failed", zap.Int("status", resp.StatusCode))
		return result
	}

	result.Outcome = Success
	logger.Info(ctx, "successfully visited")
	return result
}

func classifyError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return ConnectionError
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ConnectionError
	}

	return UnknownError
}
