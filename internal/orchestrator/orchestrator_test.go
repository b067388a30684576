package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nfgrab/nfgrab/internal/browser/browsertest"
	"github.com/nfgrab/nfgrab/internal/config"
	"github.com/nfgrab/nfgrab/internal/fetch"
	"github.com/nfgrab/nfgrab/internal/job"
	"github.com/nfgrab/nfgrab/internal/metrics"
	"github.com/nfgrab/nfgrab/internal/notify"
	"github.com/nfgrab/nfgrab/internal/scan"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Headless:                  true,
		CompanyTimeout:            5 * time.Second,
		OpTimeout:                 time.Second,
		MaxRetriesPerStep:         2,
		MaxConcurrentBrowsers:     2,
		DefaultConcurrentBrowsers: 2,
		ViewportPreset:            "FULLHD",
		QueueSize:                 8,
		LogRetention:              time.Hour,
		CleanupInterval:           time.Hour,
		DownloadsBasePath:         t.TempDir(),
		MinArtifactBytes:          16,
	}
}

type fixture struct {
	orch    *Orchestrator
	history *job.HistoryStore
	base    string
}

func newFixture(t *testing.T, portal *browsertest.Portal, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}

	history, err := job.NewHistoryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() }) //nolint:errcheck

	dl := fetch.NewDownloader(
		fetch.PathBuilder{Base: cfg.DownloadsBasePath},
		fetch.Validator{MinBytes: cfg.MinArtifactBytes},
		zap.NewNop(),
	)
	scanner := scan.New(fetch.NewResolver(), dl, scan.Config{
		MaxRetriesPerStep: cfg.MaxRetriesPerStep,
		OpTimeout:         cfg.OpTimeout,
	}, zap.NewNop())

	o := New(cfg,
		job.NewStatusStore(),
		history,
		&browsertest.Factory{Portal: portal},
		browsertest.Creds{},
		scanner,
		notify.New("", zap.NewNop()),
		metrics.New(prometheus.NewRegistry()),
		zap.NewNop(),
	)
	return &fixture{orch: o, history: history, base: cfg.DownloadsBasePath}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.orch.Start(ctx)
}

func waitTerminal(t *testing.T, o *Orchestrator, companyID string) job.Snapshot {
	t.Helper()
	var snap job.Snapshot
	require.Eventually(t, func() bool {
		s, ok := o.Status(companyID)
		if !ok {
			return false
		}
		snap = s
		return s.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "run never reached a terminal state")
	return snap
}

func TestRun_FullSuccess(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{
		Emitidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{
				{Period: "11/2025", Counterparty: "ACME Ltda", Valid: true, Key: "e1"},
				{Period: "11/2025", Counterparty: "Beta SA", Valid: true, Key: "e2"},
			},
		}},
		Recebidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{
				{Period: "11/2025", Counterparty: "Fornecedor X", Valid: true, Key: "r1"},
			},
		}},
	}
	f := newFixture(t, portal, nil)
	f.start(t)

	snap, err := f.orch.Submit(context.Background(), "emp1", "112025", "ambas", nil)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, snap.Status)

	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusSucceeded, final.Status)
	assert.Equal(t, job.StageFinalize, final.Stage)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 0, final.RowFailures)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)

	// Both artifacts of one row landed in the expected layout.
	for _, p := range []string{
		filepath.Join(f.base, "11-2025", "ACME Ltda", "Emitidas", "e1.xml"),
		filepath.Join(f.base, "11-2025", "ACME Ltda", "Emitidas", "e1.pdf"),
		filepath.Join(f.base, "11-2025", "Fornecedor X", "Recebidas", "r1.xml"),
	} {
		_, statErr := os.Stat(p)
		assert.NoError(t, statErr, p)
	}

	recs, _, err := f.history.List(context.Background(), "emp1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, job.StatusSucceeded, recs[0].Status)
	assert.NotNil(t, recs[0].StartedAt)
	assert.NotNil(t, recs[0].FinishedAt)
}

func TestRun_EmptyIncomingLegSucceeds(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{
		Emitidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{
				{Period: "11/2025", Counterparty: "ACME Ltda", Valid: true, Key: "e1"},
				{Period: "11/2025", Counterparty: "Beta SA", Valid: true, Key: "e2"},
				{Period: "11/2025", Counterparty: "Gama ME", Valid: true, Key: "e3"},
			},
		}},
		// Recebidas left empty: the table opens but has no rows at all.
	}
	f := newFixture(t, portal, nil)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "ambas", nil)
	require.NoError(t, err)

	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusSucceeded, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 0, final.RowFailures)
	assert.Contains(t, final.Message, "sucesso")

	// All six artifacts of the outgoing rows landed; nothing under Recebidas.
	for _, key := range []string{"e1", "e2", "e3"} {
		for _, ext := range []string{".xml", ".pdf"} {
			matches, globErr := filepath.Glob(filepath.Join(f.base, "11-2025", "*", "Emitidas", key+ext))
			require.NoError(t, globErr)
			assert.Len(t, matches, 1, key+ext)
		}
	}
	matches, err := filepath.Glob(filepath.Join(f.base, "11-2025", "*", "Recebidas", "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The empty leg is reported as nothing to do, not as a failure.
	logs := strings.Join(final.Logs, "\n")
	assert.Contains(t, logs, "recebidas: nenhuma nota encontrada para a competencia")
	assert.NotContains(t, logs, "falha na leitura")
}

func TestRun_SingleDirectionOnly(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{
		Emitidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{{Period: "11/2025", Counterparty: "ACME", Valid: true, Key: "e1"}},
		}},
		Recebidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{{Period: "11/2025", Counterparty: "Fornecedor", Valid: true, Key: "r1"}},
		}},
	}
	f := newFixture(t, portal, nil)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "emitidas", nil)
	require.NoError(t, err)
	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusSucceeded, final.Status)

	for _, url := range portal.Gets() {
		assert.NotContains(t, url, "/r1", "recebidas row downloaded on an emitidas-only run")
	}
}

func TestRun_RowFailuresSucceedWithWarnings(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{
		Emitidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{
				{Period: "11/2025", Counterparty: "Quebrada", Valid: true, Key: "e1", MenuErr: errors.New("menu stuck")},
				{Period: "11/2025", Counterparty: "ACME", Valid: true, Key: "e2"},
			},
		}},
	}
	f := newFixture(t, portal, nil)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "emitidas", nil)
	require.NoError(t, err)

	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusSucceeded, final.Status)
	assert.Equal(t, 1, final.RowFailures)
	assert.Contains(t, final.Message, "aviso")
}

func TestRun_AuthFailure(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{AuthErr: errors.New("certificado rejeitado")}
	f := newFixture(t, portal, nil)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "", nil)
	require.NoError(t, err)

	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "autenticacao")
	assert.NotNil(t, final.FinishedAt)
	assert.Less(t, final.Progress, 100)
}

func TestRun_AuthTimeout(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{AuthDelay: 2 * time.Second}
	cfg := testConfig(t)
	cfg.CompanyTimeout = 100 * time.Millisecond
	f := newFixture(t, portal, cfg)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "", nil)
	require.NoError(t, err)

	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "tempo limite")
}

func TestRun_CancelWhileRunning(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{AuthDelay: 3 * time.Second}
	f := newFixture(t, portal, nil)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := f.orch.Status("emp1")
		return ok && s.Status == job.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.Cancel("emp1"))

	final := waitTerminal(t, f.orch, "emp1")
	assert.Equal(t, job.StatusCancelled, final.Status)
	assert.Contains(t, final.Error, "cancelada")
}

func TestCancel_QueuedRun(t *testing.T) {
	t.Parallel()
	// No workers started: the submission stays queued.
	f := newFixture(t, &browsertest.Portal{}, nil)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "", nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel("emp1"))
	snap, ok := f.orch.Status("emp1")
	require.True(t, ok)
	assert.Equal(t, job.StatusCancelled, snap.Status)

	// Terminal runs cannot be cancelled again.
	assert.ErrorIs(t, f.orch.Cancel("emp1"), job.ErrAlreadyTerminal)
}

func TestCancel_UnknownCompany(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &browsertest.Portal{}, nil)
	assert.ErrorIs(t, f.orch.Cancel("ghost"), job.ErrNotFound)
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &browsertest.Portal{}, nil)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "  ", "112025", "", nil)
	assert.ErrorIs(t, err, ErrEmptyCompany)

	_, err = f.orch.Submit(ctx, "emp1", "13/25", "", nil)
	assert.ErrorIs(t, err, fetch.ErrInvalidPeriod)

	_, err = f.orch.Submit(ctx, "emp1", "112025", "saida", nil)
	assert.ErrorIs(t, err, job.ErrInvalidDirection)
}

func TestSubmit_RejectsActiveDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &browsertest.Portal{}, nil)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "emp1", "112025", "", nil)
	require.NoError(t, err)

	_, err = f.orch.Submit(ctx, "emp1", "122025", "", nil)
	assert.ErrorIs(t, err, job.ErrAlreadyRunning)
}

func TestSubmit_QueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.QueueSize = 1
	// No workers: the single slot stays occupied.
	f := newFixture(t, &browsertest.Portal{}, cfg)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "emp1", "112025", "", nil)
	require.NoError(t, err)

	_, err = f.orch.Submit(ctx, "emp2", "112025", "", nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected run is closed out so the company can resubmit later.
	snap, ok := f.orch.Status("emp2")
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, snap.Status)

	// And its history row is finalized, not left pendente.
	recs, _, err := f.history.List(ctx, "emp2", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, job.StatusFailed, recs[0].Status)
	assert.NotNil(t, recs[0].FinishedAt)
}

func TestSubscribe_ReceivesTerminalEvent(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{
		Emitidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{{Period: "11/2025", Counterparty: "ACME", Valid: true, Key: "e1"}},
		}},
	}
	f := newFixture(t, portal, nil)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "emitidas", nil)
	require.NoError(t, err)

	ch, cancel := f.orch.Subscribe("emp1")
	defer cancel()
	f.start(t)

	var last Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				require.Equal(t, "done", last.Name, "channel closed without a terminal event")
				assert.Contains(t, string(last.Data), string(job.StatusSucceeded))
				return
			}
			last = ev
		case <-deadline:
			t.Fatal("no terminal event before deadline")
		}
	}
}

func TestSubscribe_SlowConsumerStillReceivesTerminalEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &browsertest.Portal{}, nil)

	ch, cancel := f.orch.Subscribe("emp1")
	defer cancel()

	// Saturate the subscriber buffer without ever reading from it.
	for i := 0; i < 64; i++ {
		f.orch.publish(job.Snapshot{CompanyID: "emp1", Status: job.StatusRunning})
	}
	f.orch.closeSubs("emp1", Event{Name: "done", Data: []byte(`{"status":"concluido"}`)})

	var last Event
	for ev := range ch {
		last = ev
	}
	require.Equal(t, "done", last.Name, "channel closed without a terminal event")
	assert.Contains(t, string(last.Data), "concluido")
}

func TestRun_StatusNeverRegresses(t *testing.T) {
	t.Parallel()
	portal := &browsertest.Portal{
		Emitidas: browsertest.TableSpec{Pages: [][]browsertest.RowSpec{
			{{Period: "11/2025", Counterparty: "ACME", Valid: true, Key: "e1"}},
		}},
	}
	f := newFixture(t, portal, nil)
	f.start(t)

	_, err := f.orch.Submit(context.Background(), "emp1", "112025", "emitidas", nil)
	require.NoError(t, err)
	waitTerminal(t, f.orch, "emp1")

	// A late cancel must not rewrite the terminal outcome.
	assert.ErrorIs(t, f.orch.Cancel("emp1"), job.ErrAlreadyTerminal)
	snap, _ := f.orch.Status("emp1")
	assert.Equal(t, job.StatusSucceeded, snap.Status)
}
