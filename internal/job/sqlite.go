package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryStore keeps a durable record of every run so operators can audit
// past executions after the in-memory snapshots are evicted.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (or creates) the SQLite database at dbPath and runs
// migrations.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &HistoryStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			empresa_id   TEXT NOT NULL,
			competencia  TEXT NOT NULL,
			tipo         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pendente',
			etapa        TEXT NOT NULL DEFAULT 'inicio',
			progresso    INTEGER NOT NULL DEFAULT 0,
			mensagem     TEXT NOT NULL DEFAULT '',
			erro         TEXT NOT NULL DEFAULT '',
			falhas_linha INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			finished_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_runs_empresa     ON runs(empresa_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status      ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);
	`)
	return err
}

// Insert records a freshly submitted run.
func (s *HistoryStore) Insert(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, empresa_id, competencia, tipo, status, etapa, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.CompanyID, snap.Period, snap.Direction, snap.Status, snap.Stage, snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", snap.ID, err)
	}
	return nil
}

// MarkStarted stamps the transition to em_execucao.
func (s *HistoryStore) MarkStarted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ? WHERE id = ?
	`, StatusRunning, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark started %s: %w", id, err)
	}
	return nil
}

// Finalize persists the terminal outcome of a run.
func (s *HistoryStore) Finalize(ctx context.Context, snap Snapshot) error {
	var finished interface{}
	if snap.FinishedAt != nil {
		finished = snap.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, etapa = ?, progresso = ?, mensagem = ?, erro = ?, falhas_linha = ?, finished_at = ?
		WHERE id = ?
	`, snap.Status, snap.Stage, snap.Progress, snap.Message, snap.Error, snap.RowFailures, finished, snap.ID)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", snap.ID, err)
	}
	return nil
}

// MarkInterrupted fails every run left in a non-terminal state by a previous
// process. A browser session cannot be resumed after a crash, so interrupted
// runs are closed out rather than re-enqueued. Returns the affected run IDs.
func (s *HistoryStore) MarkInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE status IN (?, ?)
	`, StatusPending, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query interrupted runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interrupted runs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, erro = 'execucao interrompida por reinicio do servico', finished_at = ?
		WHERE status IN (?, ?)
	`, StatusFailed, now, StatusPending, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return ids, nil
}

// DeleteTerminalBefore drops terminal runs that finished before the cutoff.
func (s *HistoryStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN (?, ?, ?)
		AND finished_at IS NOT NULL
		AND finished_at < ?
	`, StatusSucceeded, StatusFailed, StatusCancelled, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal runs: %w", err)
	}
	return res.RowsAffected()
}

// RunRecord is a single row of the run history.
type RunRecord struct {
	ID          string     `json:"job_id"`
	CompanyID   string     `json:"empresa_id"`
	Period      string     `json:"competencia"`
	Direction   Direction  `json:"tipo"`
	Status      Status     `json:"status"`
	Stage       Stage      `json:"etapa_atual"`
	Progress    int        `json:"progresso"`
	Message     string     `json:"mensagem"`
	Error       string     `json:"erro,omitempty"`
	RowFailures int        `json:"falhas_linha"`
	CreatedAt   time.Time  `json:"criado_em"`
	StartedAt   *time.Time `json:"data_inicio"`
	FinishedAt  *time.Time `json:"data_fim"`
}

// List returns runs ordered by created_at DESC with pagination, plus the
// total count. Pass companyID to filter to a single company.
func (s *HistoryStore) List(ctx context.Context, companyID string, limit, offset int) ([]*RunRecord, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []interface{}{}
	if companyID != "" {
		where = "WHERE empresa_id = ?"
		args = append(args, companyID)
	}

	var total int
	countQ := strings.TrimSpace("SELECT COUNT(*) FROM runs " + where)
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	q := fmt.Sprintf(`
		SELECT id, empresa_id, competencia, tipo, status, etapa, progresso,
		       mensagem, erro, falhas_linha, created_at, started_at, finished_at
		FROM runs %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var recs []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.CompanyID, &r.Period, &r.Direction, &r.Status, &r.Stage,
			&r.Progress, &r.Message, &r.Error, &r.RowFailures,
			&r.CreatedAt, &startedAt, &finishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return recs, total, nil
}

// Close closes the underlying database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
