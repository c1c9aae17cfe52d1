package visitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/unsubscriber/internal/service"
)

// peakTransport answers every request after a short delay and records the
// highest number of requests it saw in flight at once.
type peakTransport struct {
	delay    time.Duration
	status   func(*http.Request) int
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (p *peakTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.calls.Add(1)

	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}

	select {
	case <-time.After(p.delay):
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	status := http.StatusOK
	if p.status != nil {
		status = p.status(req)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func records(n int) []service.Record {
	out := make([]service.Record, n)
	for i := range out {
		domain := fmt.Sprintf("service%d.com", i)
		out[i] = service.Record{
			URL:     fmt.Sprintf("https://%s/unsubscribe?id=%d", domain, i),
			Domain:  domain,
			Company: fmt.Sprintf("Service%d", i),
			Count:   1,
		}
	}
	return out
}

func TestVisitAllRespectsConcurrencyLimit(t *testing.T) {
	for _, limit := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			tr := &peakTransport{delay: 20 * time.Millisecond}
			v := New(Options{Concurrency: limit, Client: &http.Client{Transport: tr}})

			summary := v.VisitAll(context.Background(), records(20))

			assert.Equal(t, 20, summary.Succeeded)
			assert.Equal(t, int32(20), tr.calls.Load())
			assert.LessOrEqual(t, tr.peak.Load(), int32(limit))
			assert.Positive(t, tr.peak.Load())
		})
	}
}

func TestVisitAllMatchesSequentialVisits(t *testing.T) {
	status := func(req *http.Request) int {
		switch {
		case strings.Contains(req.URL.Host, "1"):
			return http.StatusNotFound
		case strings.Contains(req.URL.Host, "3"):
			return http.StatusNoContent
		default:
			return http.StatusOK
		}
	}
	recs := records(12)

	sequential := 0
	seqVisitor := New(Options{Client: &http.Client{Transport: &peakTransport{status: status}}})
	for _, rec := range recs {
		if seqVisitor.Visit(context.Background(), rec).Succeeded() {
			sequential++
		}
	}

	for _, limit := range []int{1, 4} {
		v := New(Options{Concurrency: limit, Client: &http.Client{Transport: &peakTransport{status: status}}})
		summary := v.VisitAll(context.Background(), recs)
		assert.Equal(t, sequential, summary.Succeeded, "limit %d", limit)
		assert.Equal(t, len(recs)-sequential, summary.Failed())
	}
}

func TestVisitAllKeepsInputOrderAndReportsProgress(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	recs := records(7)
	v := New(Options{
		Concurrency: 3,
		Client:      &http.Client{Transport: &peakTransport{delay: time.Millisecond}},
		OnResult: func(r Result) {
			mu.Lock()
			seen[r.Domain]++
			mu.Unlock()
		},
	})

	summary := v.VisitAll(context.Background(), recs)

	require.Len(t, summary.Results, len(recs))
	for i, r := range summary.Results {
		assert.Equal(t, recs[i].Domain, r.Domain)
		assert.Equal(t, recs[i].URL, r.URL)
		assert.Equal(t, 1, seen[r.Domain])
	}
}

func TestVisitAllEmpty(t *testing.T) {
	summary := New(Options{}).VisitAll(context.Background(), nil)
	assert.Empty(t, summary.Results)
	assert.Zero(t, summary.Succeeded)
}

func TestVisitOutcomes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/created", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := New(Options{Timeout: 100 * time.Millisecond, UserAgent: "test-agent"})

	tests := []struct {
		path    string
		outcome Outcome
		status  int
	}{
		{path: "/ok", outcome: Success, status: 200},
		{path: "/redirect", outcome: Success, status: 200},
		{path: "/gone", outcome: BadStatus, status: 410},
		{path: "/created", outcome: BadStatus, status: 201},
		{path: "/slow", outcome: Timeout},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := v.Visit(context.Background(), service.Record{URL: srv.URL + tt.path, Domain: "127.0.0.1"})
			assert.Equal(t, tt.outcome, r.Outcome, "err: %v", r.Err)
			assert.Equal(t, tt.status, r.StatusCode)
			assert.Equal(t, tt.outcome == Success, r.Err == nil)
		})
	}
}

func TestVisitConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/unsubscribe"
	srv.Close()

	r := New(Options{}).Visit(context.Background(), service.Record{URL: url})
	assert.Equal(t, ConnectionError, r.Outcome)
	assert.Error(t, r.Err)
}

func TestVisitInvalidURL(t *testing.T) {
	r := New(Options{}).Visit(context.Background(), service.Record{URL: "http://%zz/unsubscribe"})
	assert.Equal(t, UnknownError, r.Outcome)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, Timeout, classifyError(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	assert.Equal(t, ConnectionError, classifyError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, ConnectionError, classifyError(&net.DNSError{Err: "no such host", Name: "x.invalid"}))
	assert.Equal(t, ConnectionError, classifyError(io.ErrUnexpectedEOF))
	assert.Equal(t, UnknownError, classifyError(errors.New("boom")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "bad_status", BadStatus.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
