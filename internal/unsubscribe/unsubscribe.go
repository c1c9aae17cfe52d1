// Package unsubscribe wires the mailbox scan, link grouping, visiting and
// persistence into one run.
package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eraser-privacy/unsubscriber/internal/history"
	"github.com/eraser-privacy/unsubscriber/internal/inbox"
	"github.com/eraser-privacy/unsubscriber/internal/links"
	"github.com/eraser-privacy/unsubscriber/internal/logger"
	"github.com/eraser-privacy/unsubscriber/internal/output"
	"github.com/eraser-privacy/unsubscriber/internal/service"
	"github.com/eraser-privacy/unsubscriber/internal/visitor"
)

// Mailbox yields the HTML bodies of messages that mention "unsubscribe".
type Mailbox interface {
	Connect(ctx context.Context) error
	FetchHTMLBodies(ctx context.Context) ([]string, error)
	Disconnect() error
}

type Visitor interface {
	VisitAll(ctx context.Context, records []service.Record) visitor.Summary
}

// HistoryStore records visits across runs.
type HistoryStore interface {
	AddVisits(visits []history.Visit) error
	SucceededDomains() (map[string]bool, error)
}

type ScanStatus int

const (
	ScanOK ScanStatus = iota
	ScanEmpty
	ScanAuthFailed
	ScanAppPasswordRequired
	ScanConnectFailed
	ScanFetchFailed
)

func (s ScanStatus) String() string {
	switch s {
	case ScanOK:
		return "ok"
	case ScanEmpty:
		return "empty"
	case ScanAuthFailed:
		return "auth_failed"
	case ScanAppPasswordRequired:
		return "app_password_required"
	case ScanConnectFailed:
		return "connect_failed"
	case ScanFetchFailed:
		return "fetch_failed"
	}
	return fmt.Sprintf("scan_status(%d)", int(s))
}

// MailboxFailed reports whether the scan could not read the mailbox at all.
func (s ScanStatus) MailboxFailed() bool {
	return s != ScanOK && s != ScanEmpty
}

type ScanResult struct {
	Services service.Services
	Status   ScanStatus
	Bodies   int
	Links    int // distinct links before grouping
	Err      error
}

// Collect scans the mailbox and groups the unsubscribe links it finds.
// Mailbox failures never propagate: Services is empty and Status says why.
func Collect(ctx context.Context, mb Mailbox) ScanResult {
	result := ScanResult{Services: service.Services{}}

	if err := mb.Connect(ctx); err != nil {
		result.Err = err
		switch {
		case errors.Is(err, inbox.ErrAppPasswordRequired):
			result.Status = ScanAppPasswordRequired
		case errors.Is(err, inbox.ErrLogin):
			result.Status = ScanAuthFailed
		default:
			result.Status = ScanConnectFailed
		}
		logger.Error(ctx, "mailbox connection failed", zap.Stringer("status", result.Status), zap.Error(err))
		return result
	}
	defer func() {
		if err := mb.Disconnect(); err != nil {
			logger.Warn(ctx, "failed to disconnect from mailbox", zap.Error(err))
		}
	}()

	bodies, err := mb.FetchHTMLBodies(ctx)
	if err != nil {
		result.Status = ScanFetchFailed
		result.Err = err
		logger.Error(ctx, "failed to search mailbox", zap.Error(err))
		return result
	}
	result.Bodies = len(bodies)

	var found []string
	for _, body := range bodies {
		found = append(found, links.Extract(ctx, body)...)
	}
	found = links.Unique(found)
	result.Links = len(found)

	result.Services = service.Group(ctx, found)
	if len(result.Services) == 0 {
		result.Status = ScanEmpty
	}

	logger.Info(ctx, "mailbox scan complete",
		zap.Int("bodies", result.Bodies),
		zap.Int("links", result.Links),
		zap.Int("services", len(result.Services)))

	return result
}

type Options struct {
	Mailbox Mailbox
	Visitor Visitor
	// History is optional.
	History         HistoryStore
	Paths           output.Paths
	ExcludedDomains []string
	SkipVisited     bool
	DryRun          bool
}

type Report struct {
	RunID string
	Scan  ScanResult
	// Visited lists the records handed to the visitor, after exclusions.
	Visited    []service.Record
	Skipped    int
	Visits     visitor.Summary
	Saved      bool
	SaveErr    error
	HistoryErr error
}

// Run performs one full pass. Only a missing collaborator is an error;
// everything else is reported in the Report.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Mailbox == nil {
		return Report{}, fmt.Errorf("unsubscribe: mailbox is required")
	}
	if opts.Visitor == nil && !opts.DryRun {
		return Report{}, fmt.Errorf("unsubscribe: visitor is required")
	}

	report := Report{RunID: uuid.NewString()}
	ctx = logger.WithFields(ctx, zap.String("run_id", report.RunID))

	report.Scan = Collect(ctx, opts.Mailbox)
	services := report.Scan.Services
	if len(services) == 0 {
		return report, nil
	}

	targets := services.Exclude(opts.ExcludedDomains...)
	if opts.SkipVisited && opts.History != nil {
		done, err := opts.History.SucceededDomains()
		if err != nil {
			logger.Warn(ctx, "failed to read visit history", zap.Error(err))
		}
		targets = targets.Exclude(keys(done)...)
	}
	report.Visited = targets.Sorted()
	report.Skipped = len(services) - len(report.Visited)

	if !opts.DryRun && len(report.Visited) > 0 {
		report.Visits = opts.Visitor.VisitAll(ctx, report.Visited)
	}

	report.SaveErr = output.Save(opts.Paths, services.Sorted())
	report.Saved = report.SaveErr == nil
	if report.SaveErr != nil {
		logger.Error(ctx, "failed to save results", zap.Error(report.SaveErr))
	}

	if opts.History != nil && len(report.Visits.Results) > 0 {
		report.HistoryErr = opts.History.AddVisits(toVisits(report.RunID, services, report.Visits.Results))
		if report.HistoryErr != nil {
			logger.Error(ctx, "failed to record visit history", zap.Error(report.HistoryErr))
		}
	}

	return report, nil
}

func toVisits(runID string, services service.Services, results []visitor.Result) []history.Visit {
	now := time.Now()
	visits := make([]history.Visit, 0, len(results))
	for _, r := range results {
		v := history.Visit{
			RunID:      runID,
			Domain:     r.Domain,
			Company:    r.Company,
			URL:        r.URL,
			EmailCount: 1,
			Status:     history.StatusFailed,
			Outcome:    r.Outcome.String(),
			StatusCode: r.StatusCode,
			VisitedAt:  now,
		}
		if rec, ok := services[r.Domain]; ok {
			v.EmailCount = rec.Count
		}
		if r.Succeeded() {
			v.Status = history.StatusSucceeded
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		visits = append(visits, v)
	}
	return visits
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
