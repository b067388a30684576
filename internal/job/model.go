package job

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a run. The wire values match the portal
// automation contract consumed by the frontend.
type Status string

const (
	StatusPending   Status = "pendente"
	StatusRunning   Status = "em_execucao"
	StatusSucceeded Status = "concluido"
	StatusFailed    Status = "falhou"
	StatusCancelled Status = "cancelado"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// rank orders statuses along the allowed transition path. Transitions may
// only move forward: pendente -> em_execucao -> terminal.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle. Terminal states accept no further transitions.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Stage labels the step a run is currently executing.
type Stage string

const (
	StageStart    Stage = "inicio"
	StageAuth     Stage = "autenticacao"
	StageOutgoing Stage = "processamento_emitidas"
	StageIncoming Stage = "processamento_recebidas"
	StageFinalize Stage = "finalizacao"
)

// Direction selects which note tables a run should process.
type Direction string

const (
	DirectionOutgoing Direction = "emitidas"
	DirectionIncoming Direction = "recebidas"
	DirectionBoth     Direction = "ambas"
)

var ErrInvalidDirection = errors.New("tipo must be one of: emitidas, recebidas, ambas")

// ParseDirection validates the tipo query parameter. Empty defaults to ambas.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBoth, nil
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return Direction(s), nil
	}
	return "", ErrInvalidDirection
}

// WantsOutgoing reports whether the run should scan the Emitidas table.
func (d Direction) WantsOutgoing() bool {
	return d == DirectionOutgoing || d == DirectionBoth
}

// WantsIncoming reports whether the run should scan the Recebidas table.
func (d Direction) WantsIncoming() bool {
	return d == DirectionIncoming || d == DirectionBoth
}

// Snapshot is the full observable state of a run. Snapshots are immutable
// once published to the StatusStore; the orchestrator replaces the whole
// record on every update so pollers never see a partial write.
type Snapshot struct {
	ID          string     `json:"job_id"`
	CompanyID   string     `json:"empresa_id"`
	Period      string     `json:"competencia"`
	Direction   Direction  `json:"tipo"`
	Status      Status     `json:"status"`
	Stage       Stage      `json:"etapa_atual"`
	Progress    int        `json:"progresso"`
	Message     string     `json:"mensagem"`
	Logs        []string   `json:"logs"`
	RowFailures int        `json:"falhas_linha"`
	Headless    bool       `json:"headless"`
	CreatedAt   time.Time  `json:"criado_em"`
	StartedAt   *time.Time `json:"data_inicio"`
	FinishedAt  *time.Time `json:"data_fim,omitempty"`
	Error       string     `json:"erro,omitempty"`
	CurrentURL  string     `json:"url_atual,omitempty"`
	Title       string     `json:"titulo,omitempty"`
}

// AppendLog adds a timestamped entry to the ordered run log.
func (s *Snapshot) AppendLog(msg string) {
	stamp := time.Now().Format("15:04:05")
	s.Logs = append(s.Logs, "["+stamp+"] "+msg)
}
