// Package orchestrator owns the run lifecycle: submissions enter a bounded
// queue, a fixed worker pool drives one browser session per run through the
// authentication and table-scan stages, and every observable state change is
// published through the status store, the SSE subscribers and the optional
// webhook.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/nfgrab/nfgrab/internal/browser"
	"github.com/nfgrab/nfgrab/internal/config"
	"github.com/nfgrab/nfgrab/internal/fetch"
	"github.com/nfgrab/nfgrab/internal/job"
	"github.com/nfgrab/nfgrab/internal/metrics"
	"github.com/nfgrab/nfgrab/internal/notify"
	"github.com/nfgrab/nfgrab/internal/scan"
)

var (
	// ErrQueueFull is returned when the submission queue has no room.
	ErrQueueFull = errors.New("execution queue is full")
	// ErrEmptyCompany rejects submissions without a company identifier.
	ErrEmptyCompany = errors.New("empresa_id must not be empty")
)

// Progress bands per stage. Row totals are unknown until the last table page,
// so the scan band ramps asymptotically and the store clamps regressions.
const (
	authPercent = 5
	scanPercent = 90
)

// Event is one server-sent update. Name is "status" while the run is live
// and "done" for the final snapshot, after which the channel is closed.
type Event struct {
	Name string
	Data []byte
}

// Orchestrator coordinates the full pipeline. All exported methods are safe
// for concurrent use.
type Orchestrator struct {
	cfg      *config.Config
	store    *job.StatusStore
	history  *job.HistoryStore
	browsers browser.Factory
	creds    browser.CredentialProvider
	scanner  *scan.Scanner
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger

	queue chan string

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	requested map[string]bool

	subMu sync.Mutex
	subs  map[string]map[chan Event]struct{}

	launchMu   sync.Mutex
	lastLaunch time.Time

	rootCtx context.Context
	wg      sync.WaitGroup
}

func New(
	cfg *config.Config,
	store *job.StatusStore,
	history *job.HistoryStore,
	browsers browser.Factory,
	creds browser.CredentialProvider,
	scanner *scan.Scanner,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		history:   history,
		browsers:  browsers,
		creds:     creds,
		scanner:   scanner,
		notifier:  notifier,
		metrics:   m,
		log:       log.Named("orchestrator"),
		queue:     make(chan string, cfg.QueueSize),
		cancels:   make(map[string]context.CancelFunc),
		requested: make(map[string]bool),
		subs:      make(map[string]map[chan Event]struct{}),
		rootCtx:   context.Background(),
	}
}

// Start launches the worker pool and the cleanup loop. ctx cancellation
// stops accepting work; in-flight terminal writes survive shutdown.
func (o *Orchestrator) Start(ctx context.Context) {
	o.rootCtx = ctx
	for i := 0; i < o.cfg.Workers(); i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	o.wg.Add(1)
	go o.cleanupLoop(ctx)
	o.log.Info("orchestrator started",
		zap.Int("workers", o.cfg.Workers()),
		zap.Int("queue_size", o.cfg.QueueSize))
}

// Wait blocks until every worker has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Recover closes out runs a previous process left non-terminal. A browser
// session cannot be resumed after a restart, so they are failed, not requeued.
func (o *Orchestrator) Recover(ctx context.Context) {
	ids, err := o.history.MarkInterrupted(ctx)
	if err != nil {
		o.log.Warn("recover interrupted runs", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		o.log.Info("closed interrupted runs", zap.Int("count", len(ids)))
	}
}

// Submit validates and enqueues a run for the company. period is the MMYYYY
// competência, tipo selects the tables ("" defaults to ambas) and headless,
// when non-nil, overrides the configured default.
func (o *Orchestrator) Submit(ctx context.Context, companyID, period, tipo string, headless *bool) (job.Snapshot, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return job.Snapshot{}, ErrEmptyCompany
	}
	if _, err := fetch.ParsePeriod(period); err != nil {
		return job.Snapshot{}, err
	}
	dir, err := job.ParseDirection(tipo)
	if err != nil {
		return job.Snapshot{}, err
	}

	hl := o.cfg.Headless
	if headless != nil {
		hl = *headless
	}

	snap := job.Snapshot{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		Period:    period,
		Direction: dir,
		Status:    job.StatusPending,
		Stage:     job.StageStart,
		Message:   "Aguardando worker disponivel",
		Headless:  hl,
		CreatedAt: time.Now(),
	}
	snap.AppendLog("execucao enfileirada")

	if err := o.store.Create(snap); err != nil {
		return job.Snapshot{}, err
	}

	// The history row must exist before a worker can pick the run up, or
	// MarkStarted has nothing to update.
	if err := o.history.Insert(ctx, snap); err != nil {
		o.log.Warn("persist submission", zap.String("job_id", snap.ID), zap.Error(err))
	}

	select {
	case o.queue <- companyID:
	default:
		now := time.Now()
		failed, ok := o.store.Update(companyID, func(s *job.Snapshot) {
			s.Status = job.StatusFailed
			s.FinishedAt = &now
			s.Error = "fila de execucao cheia"
			s.Message = "Fila de execucao cheia"
		})
		if ok {
			if err := o.history.Finalize(ctx, failed); err != nil {
				o.log.Warn("persist rejected submission", zap.String("job_id", snap.ID), zap.Error(err))
			}
		}
		return job.Snapshot{}, ErrQueueFull
	}
	o.metrics.QueueDepth.Inc()

	o.log.Info("run submitted",
		zap.String("empresa", companyID),
		zap.String("competencia", period),
		zap.String("tipo", string(dir)))
	return snap, nil
}

// Status returns the latest snapshot for the company.
func (o *Orchestrator) Status(companyID string) (job.Snapshot, bool) {
	return o.store.Get(companyID)
}

// Cancel requests cooperative cancellation. Queued runs are closed out
// immediately; running ones stop at the next row or stage boundary.
func (o *Orchestrator) Cancel(companyID string) error {
	snap, ok := o.store.Get(companyID)
	if !ok {
		return job.ErrNotFound
	}
	if snap.Status.IsTerminal() {
		return job.ErrAlreadyTerminal
	}

	o.mu.Lock()
	o.requested[companyID] = true
	cancelFn := o.cancels[companyID]
	o.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		o.log.Info("cancel requested", zap.String("empresa", companyID))
		return nil
	}

	// Not picked up by a worker yet. Finish it here; the worker skips
	// entries that are no longer pendente when it pops them.
	o.finish(companyID, job.StatusCancelled, "", "Execucao cancelada antes de iniciar")
	o.mu.Lock()
	delete(o.requested, companyID)
	o.mu.Unlock()
	return nil
}

// Subscribe registers a server-sent-events listener for a company. The
// returned cancel is idempotent and must be called when the client leaves.
func (o *Orchestrator) Subscribe(companyID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	o.subMu.Lock()
	if o.subs[companyID] == nil {
		o.subs[companyID] = make(map[chan Event]struct{})
	}
	o.subs[companyID][ch] = struct{}{}
	o.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.subMu.Lock()
			if set, ok := o.subs[companyID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
					if len(set) == 0 {
						delete(o.subs, companyID)
					}
				}
			}
			o.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	log := o.log.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case companyID := <-o.queue:
			o.metrics.QueueDepth.Dec()
			o.execute(ctx, companyID, log)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, companyID string, log *zap.Logger) {
	defer o.clearCancel(companyID)

	snap, ok := o.store.Get(companyID)
	if !ok || snap.Status != job.StatusPending {
		return
	}
	if o.cancelRequested(companyID) {
		o.finish(companyID, job.StatusCancelled, "", "Execucao cancelada antes de iniciar")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.CompanyTimeout)
	defer cancel()
	o.registerCancel(companyID, cancel)

	log = log.With(zap.String("empresa", companyID), zap.String("job_id", snap.ID))
	started := time.Now()
	o.update(companyID, func(s *job.Snapshot) {
		s.Status = job.StatusRunning
		s.Stage = job.StageAuth
		s.StartedAt = &started
		s.Message = "Iniciando autenticacao no portal"
		s.AppendLog("execucao iniciada")
	})
	if err := o.history.MarkStarted(jobCtx, snap.ID, started); err != nil {
		log.Warn("persist start", zap.Error(err))
	}

	o.staggerLaunch(jobCtx)

	cred, err := o.creds.Credential(jobCtx, companyID)
	if err != nil {
		o.failStage(jobCtx, companyID, fmt.Errorf("credencial indisponivel: %w", err))
		return
	}

	w, h, err := o.cfg.Viewport()
	if err != nil {
		o.finish(companyID, job.StatusFailed, err.Error(), "")
		return
	}
	sess, err := o.browsers.Launch(jobCtx, browser.Options{
		Headless: snap.Headless,
		Viewport: browser.Viewport{Width: w, Height: h},
	})
	if err != nil {
		o.failStage(jobCtx, companyID, fmt.Errorf("falha ao iniciar navegador: %w", err))
		return
	}
	defer sess.Close()

	if err := sess.Authenticate(jobCtx, cred); err != nil {
		o.failStage(jobCtx, companyID, fmt.Errorf("falha na autenticacao: %w", err))
		return
	}
	o.update(companyID, func(s *job.Snapshot) {
		s.Progress = authPercent
		s.Message = "Autenticacao concluida"
		s.CurrentURL = sess.CurrentURL()
		s.Title = sess.Title()
		s.AppendLog("autenticacao concluida")
	})
	log.Info("authenticated")

	period, err := fetch.ParsePeriod(snap.Period)
	if err != nil {
		o.finish(companyID, job.StatusFailed, err.Error(), "")
		return
	}

	type leg struct {
		stage job.Stage
		dir   fetch.Direction
		open  func(context.Context) error
	}
	page := sess.Page()
	var legs []leg
	if snap.Direction.WantsOutgoing() {
		legs = append(legs, leg{job.StageOutgoing, fetch.Outgoing, page.OpenOutgoing})
	}
	if snap.Direction.WantsIncoming() {
		legs = append(legs, leg{job.StageIncoming, fetch.Incoming, page.OpenIncoming})
	}

	band := float64(authPercent)
	width := float64(scanPercent) / float64(len(legs))
	warnings := 0
	legErrors := 0
	for _, lg := range legs {
		if jobCtx.Err() != nil {
			st, reason := o.interruptReason(jobCtx, companyID)
			o.finish(companyID, st, reason, "")
			return
		}

		label := strings.ToLower(string(lg.dir))
		o.update(companyID, func(s *job.Snapshot) {
			s.Stage = lg.stage
			s.Progress = int(band)
			s.Message = "Processando notas " + label
			s.AppendLog("processando notas " + label)
		})

		report, err := o.scanLeg(jobCtx, sess, page, lg.open, period, lg.dir, companyID, band, width)
		if report != nil {
			warnings += len(report.RowFailures)
			o.metrics.RowsScanned.Add(float64(report.RowsSeen))
			o.metrics.RowFailures.Add(float64(len(report.RowFailures)))
			o.metrics.DownloadsTotal.WithLabelValues(string(lg.dir), "ok").Add(float64(report.Downloaded))
			o.metrics.DownloadsTotal.WithLabelValues(string(lg.dir), "failed").Add(float64(len(report.RowFailures)))
			o.update(companyID, func(s *job.Snapshot) {
				s.RowFailures += len(report.RowFailures)
				s.Progress = int(band + width)
				if report.RowsMatched == 0 {
					s.AppendLog(label + ": nenhuma nota encontrada para a competencia")
					return
				}
				s.AppendLog(fmt.Sprintf("%s: %d baixadas, %d falhas, %d ignoradas em %d pagina(s)",
					label, report.Downloaded, len(report.RowFailures), report.RowsSkipped, report.Pages))
			})
		}
		if err != nil {
			if jobCtx.Err() != nil {
				st, reason := o.interruptReason(jobCtx, companyID)
				o.finish(companyID, st, reason, "")
				return
			}
			// A table-level failure on one leg does not abort the other.
			legErrors++
			log.Warn("table scan failed", zap.String("direction", string(lg.dir)), zap.Error(err))
			o.update(companyID, func(s *job.Snapshot) {
				s.AppendLog(fmt.Sprintf("falha na leitura da tabela %s: %v", label, err))
			})
		}
		band += width
	}

	if legErrors == len(legs) {
		o.finish(companyID, job.StatusFailed, "falha na leitura das tabelas de notas", "")
		return
	}
	warnings += legErrors
	msg := "Execucao concluida com sucesso"
	if warnings > 0 {
		msg = fmt.Sprintf("Execucao concluida com %d aviso(s)", warnings)
	}
	o.finish(companyID, job.StatusSucceeded, "", msg)
}

// scanLeg opens and sorts one table, then hands it to the scanner. The sink
// moves percent-complete inside the leg's progress band as rows finish.
func (o *Orchestrator) scanLeg(ctx context.Context, sess browser.Session, page browser.Page, open func(context.Context) error, period fetch.Period, dir fetch.Direction, companyID string, band, width float64) (*scan.Report, error) {
	if err := open(ctx); err != nil {
		return nil, fmt.Errorf("open %s table: %w", strings.ToLower(string(dir)), err)
	}
	if err := page.SortByPeriod(ctx); err != nil {
		return nil, fmt.Errorf("sort by period: %w", err)
	}

	sink := func(p scan.Progress) {
		o.update(companyID, func(s *job.Snapshot) {
			s.Progress = stagePercent(band, width, p.RowsDone)
			s.Message = p.Message
			s.CurrentURL = sess.CurrentURL()
			s.AppendLog(p.Message)
		})
	}
	return o.scanner.Scan(ctx, sess, page, period, dir, sink)
}

// failStage closes a run whose fatal stage error may actually be the
// deadline or a cancel surfacing through the stage call.
func (o *Orchestrator) failStage(ctx context.Context, companyID string, err error) {
	if ctx.Err() != nil {
		st, reason := o.interruptReason(ctx, companyID)
		o.finish(companyID, st, reason, "")
		return
	}
	o.finish(companyID, job.StatusFailed, err.Error(), "")
}

func (o *Orchestrator) interruptReason(ctx context.Context, companyID string) (job.Status, string) {
	if o.cancelRequested(companyID) {
		return job.StatusCancelled, "execucao cancelada pelo usuario"
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return job.StatusFailed, "tempo limite da execucao excedido"
	}
	return job.StatusFailed, "execucao interrompida"
}

// finish publishes the terminal snapshot, persists it, updates metrics and
// fans out to SSE subscribers and the webhook. Illegal transitions (a cancel
// racing a completed finalize) are discarded by the store, so the first
// terminal write wins.
func (o *Orchestrator) finish(companyID string, status job.Status, errMsg, message string) {
	now := time.Now()
	snap, ok := o.store.Update(companyID, func(s *job.Snapshot) {
		s.Status = status
		s.Stage = job.StageFinalize
		s.FinishedAt = &now
		if status == job.StatusSucceeded {
			s.Progress = 100
		}
		if errMsg != "" {
			s.Error = errMsg
			if message == "" {
				message = errMsg
			}
		}
		if message != "" {
			s.Message = message
		}
		switch status {
		case job.StatusSucceeded:
			s.AppendLog("execucao concluida")
		case job.StatusCancelled:
			s.AppendLog("execucao cancelada")
		default:
			s.AppendLog("execucao falhou: " + errMsg)
		}
	})
	if !ok || !snap.Status.IsTerminal() {
		return
	}
	if snap.Status != status {
		// Another terminal write got there first.
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(o.rootCtx), 10*time.Second)
	defer cancel()
	if err := o.history.Finalize(pctx, snap); err != nil {
		o.log.Warn("persist terminal state", zap.String("job_id", snap.ID), zap.Error(err))
	}

	o.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if snap.StartedAt != nil {
		o.metrics.RunDuration.Observe(now.Sub(*snap.StartedAt).Seconds())
	}

	if payload, err := json.Marshal(snap); err == nil {
		o.closeSubs(companyID, Event{Name: "done", Data: payload})
		o.notifier.Send(context.WithoutCancel(o.rootCtx), payload)
	}

	o.log.Info("run finished",
		zap.String("empresa", companyID),
		zap.String("job_id", snap.ID),
		zap.String("status", string(status)),
		zap.Int("row_failures", snap.RowFailures))
}

// update applies fn through the store and publishes the result to listeners.
func (o *Orchestrator) update(companyID string, fn func(*job.Snapshot)) {
	if snap, ok := o.store.Update(companyID, fn); ok {
		o.publish(snap)
	}
}

func (o *Orchestrator) publish(snap job.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ev := Event{Name: "status", Data: data}
	o.subMu.Lock()
	for ch := range o.subs[snap.CompanyID] {
		// Slow consumers miss intermediate updates, never block workers.
		select {
		case ch <- ev:
		default:
		}
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) closeSubs(companyID string, final Event) {
	o.subMu.Lock()
	set := o.subs[companyID]
	delete(o.subs, companyID)
	o.subMu.Unlock()

	for ch := range set {
		// A slow consumer may have a buffer full of stale status events;
		// drop them until the terminal event fits. Nothing else sends on
		// ch once it left the subs map, so this terminates.
		for sent := false; !sent; {
			select {
			case ch <- final:
				sent = true
			case <-ch:
			}
		}
		close(ch)
	}
}

// staggerLaunch serializes browser launches so concurrent workers do not
// spike CPU by starting engines at the same instant.
func (o *Orchestrator) staggerLaunch(ctx context.Context) {
	o.launchMu.Lock()
	defer o.launchMu.Unlock()

	wait := o.cfg.BrowserLaunchStagger - time.Since(o.lastLaunch)
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	o.lastLaunch = time.Now()
}

func (o *Orchestrator) registerCancel(companyID string, fn context.CancelFunc) {
	o.mu.Lock()
	o.cancels[companyID] = fn
	o.mu.Unlock()
}

func (o *Orchestrator) clearCancel(companyID string) {
	o.mu.Lock()
	delete(o.cancels, companyID)
	delete(o.requested, companyID)
	o.mu.Unlock()
}

func (o *Orchestrator) cancelRequested(companyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requested[companyID]
}

func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	defer o.wg.Done()

	t := jitterbug.New(o.cfg.CleanupInterval, &jitterbug.Norm{Stdev: o.cfg.CleanupInterval / 20})
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-o.cfg.LogRetention)
			evicted := o.store.Evict(cutoff)
			deleted, err := o.history.DeleteTerminalBefore(ctx, cutoff)
			if err != nil {
				o.log.Warn("history cleanup", zap.Error(err))
				continue
			}
			if evicted > 0 || deleted > 0 {
				o.log.Info("cleanup pass",
					zap.Int("snapshots_evicted", evicted),
					zap.Int64("history_deleted", deleted))
			}
		}
	}
}

// stagePercent maps rows-done onto the leg's band. Totals are unknown until
// pagination ends, so the fraction approaches the band end without crossing
// it; the store keeps the published value monotonic.
func stagePercent(band, width float64, rowsDone int) int {
	frac := float64(rowsDone) / float64(rowsDone+8)
	return int(band + width*frac)
}
