// Package scan walks the paginated notes table of an authenticated portal
// session and feeds every matching row through link resolution and direct
// download.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nfgrab/nfgrab/internal/browser"
	"github.com/nfgrab/nfgrab/internal/fetch"
)

// RowFailure records one row-level problem. Row failures never abort the
// scan; they are accumulated and surfaced through the run logs.
type RowFailure struct {
	Page     int            `json:"pagina"`
	Row      int            `json:"linha"`
	Category fetch.Category `json:"categoria,omitempty"`
	Err      string         `json:"erro"`
}

// Report summarizes one scan of one direction.
type Report struct {
	Direction   fetch.Direction
	Pages       int
	RowsSeen    int
	RowsMatched int
	RowsSkipped int
	Downloaded  int
	RowFailures []RowFailure
}

// Progress is emitted after every processed row so the orchestrator can
// move percent-complete without waiting for the scan to finish.
type Progress struct {
	Direction   fetch.Direction
	Page        int
	RowsDone    int
	RowsMatched int
	Message     string
}

// Sink receives progress events. A nil sink is allowed.
type Sink func(Progress)

// Config carries the per-step knobs from the settings collaborator.
type Config struct {
	// MaxRetriesPerStep bounds companion-link attempts per row. The
	// portal's action menu sometimes renders the receipt link late, so
	// each retry reopens the menu first.
	MaxRetriesPerStep int
	// MinActionDelay is the pause after DOM-mutating actions.
	MinActionDelay time.Duration
	// OpTimeout bounds each network operation independently.
	OpTimeout time.Duration
}

// Scanner drives the per-page state machine: wait table, read rows, filter
// by period, skip invalid rows, download primary then companion, advance.
type Scanner struct {
	resolver *fetch.Resolver
	dl       *fetch.Downloader
	cfg      Config
	log      *zap.Logger
}

func New(resolver *fetch.Resolver, dl *fetch.Downloader, cfg Config, log *zap.Logger) *Scanner {
	if cfg.MaxRetriesPerStep < 1 {
		cfg.MaxRetriesPerStep = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	return &Scanner{resolver: resolver, dl: dl, cfg: cfg, log: log.Named("scanner")}
}

// Scan processes every row of the requested period. Rows are assumed sorted
// by period. The scan advances pages while the last row of the current page
// still matches; once a page's last row falls outside the period (or a page
// yields no matches after earlier pages did), one extra page is scanned
// before terminating, to survive rows split across pages by concurrent
// inserts on the portal. The returned error is non-nil only for
// cancellation, timeout or table-level failures; row failures live in the
// report.
func (s *Scanner) Scan(ctx context.Context, sess browser.Session, page browser.Page, period fetch.Period, dir fetch.Direction, sink Sink) (*Report, error) {
	report := &Report{Direction: dir}
	want := period.String()
	matchedAny := false
	grace := false

	for pageNum := 1; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		rows, err := page.Rows(ctx)
		if err != nil {
			return report, fmt.Errorf("read rows on page %d: %w", pageNum, err)
		}
		report.Pages = pageNum

		pageMatched := 0
		for _, row := range rows {
			// Cancellation is observed at row boundaries only.
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.RowsSeen++

			if strings.TrimSpace(row.PeriodText()) != want {
				continue
			}
			pageMatched++
			report.RowsMatched++

			if !row.IsValid() {
				report.RowsSkipped++
				s.emit(sink, report, dir, pageNum, fmt.Sprintf("linha %d ignorada (nota invalida ou cancelada)", row.Index()+1))
				continue
			}

			s.processRow(ctx, sess, row, period, dir, pageNum, report)
			s.emit(sink, report, dir, pageNum, fmt.Sprintf("linha %d processada", row.Index()+1))
		}
		if pageMatched > 0 {
			matchedAny = true
			grace = false
		}

		lastMatches := len(rows) > 0 && strings.TrimSpace(rows[len(rows)-1].PeriodText()) == want
		stop := len(rows) == 0 || !lastMatches || (pageMatched == 0 && matchedAny)
		if stop {
			if !matchedAny || grace {
				break
			}
			// One-page grace before giving up on a partially matching
			// page boundary.
			grace = true
		}

		more, err := page.NextPage(ctx)
		if err != nil {
			return report, fmt.Errorf("advance to page %d: %w", pageNum+1, err)
		}
		if !more {
			break
		}
	}

	s.log.Info("scan finished",
		zap.String("direction", string(dir)),
		zap.Int("pages", report.Pages),
		zap.Int("rows_matched", report.RowsMatched),
		zap.Int("downloaded", report.Downloaded),
		zap.Int("row_failures", len(report.RowFailures)))
	return report, nil
}

// processRow downloads both artifacts of one row. Primary always runs
// first; when it fails the companion is not attempted, matching the menu
// layout the positional fallback depends on.
func (s *Scanner) processRow(ctx context.Context, sess browser.Session, row browser.Row, period fetch.Period, dir fetch.Direction, pageNum int, report *Report) {
	company := row.CounterpartyText()

	anchors, err := s.openMenu(ctx, row)
	if err != nil {
		s.fail(report, pageNum, row.Index(), "", fmt.Errorf("open action menu: %w", err))
		return
	}

	if err := s.download(ctx, sess, anchors, fetch.CategoryPrimary, period, company, dir); err != nil {
		s.fail(report, pageNum, row.Index(), fetch.CategoryPrimary, err)
		return
	}
	report.Downloaded++

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetriesPerStep; attempt++ {
		if attempt > 1 {
			if err := s.pause(ctx); err != nil {
				lastErr = err
				break
			}
			if anchors, err = s.openMenu(ctx, row); err != nil {
				lastErr = fmt.Errorf("reopen action menu: %w", err)
				continue
			}
		}
		if lastErr = s.download(ctx, sess, anchors, fetch.CategoryCompanion, period, company, dir); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		s.fail(report, pageNum, row.Index(), fetch.CategoryCompanion, lastErr)
		return
	}
	report.Downloaded++
}

func (s *Scanner) openMenu(ctx context.Context, row browser.Row) ([]browser.Anchor, error) {
	if err := row.OpenActionMenu(ctx); err != nil {
		return nil, err
	}
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	return row.Anchors(ctx)
}

func (s *Scanner) download(ctx context.Context, sess browser.Session, anchors []browser.Anchor, cat fetch.Category, period fetch.Period, company string, dir fetch.Direction) error {
	href, err := s.resolver.Resolve(anchors, cat)
	if err != nil {
		return err
	}

	// An in-flight download runs to completion even when the job is being
	// cancelled; only the per-operation timeout bounds it. This avoids
	// leaving partially written files behind.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()

	_, err = s.dl.Fetch(dctx, sess, href, cat, period, company, dir)
	var vErr *fetch.ValidationError
	if errors.As(err, &vErr) {
		s.log.Warn("artifact kept on disk despite failed validation",
			zap.String("path", vErr.Path), zap.String("reason", vErr.Reason))
	}
	return err
}

func (s *Scanner) fail(report *Report, page, rowIdx int, cat fetch.Category, err error) {
	report.RowFailures = append(report.RowFailures, RowFailure{
		Page:     page,
		Row:      rowIdx,
		Category: cat,
		Err:      err.Error(),
	})
	s.log.Warn("row failed",
		zap.Int("page", page),
		zap.Int("row", rowIdx),
		zap.String("category", string(cat)),
		zap.Error(err))
}

func (s *Scanner) emit(sink Sink, report *Report, dir fetch.Direction, pageNum int, msg string) {
	if sink == nil {
		return
	}
	sink(Progress{
		Direction:   dir,
		Page:        pageNum,
		RowsDone:    report.RowsMatched - report.RowsSkipped,
		RowsMatched: report.RowsMatched,
		Message:     msg,
	})
}

// pause waits the configured inter-action delay, honoring cancellation.
func (s *Scanner) pause(ctx context.Context) error {
	if s.cfg.MinActionDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.MinActionDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
