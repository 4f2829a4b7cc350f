// Package audit mantiene el audit log append-only de transferencias.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
)

// Log escribe eventos de ciclo de vida de una transferencia.
type Log struct {
	now func() time.Time
}

func New(now func() time.Time) *Log {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Log{now: now}
}

// Record agrega una fila. repo puede ser el store o la tx en curso, así el
// evento commitea junto con el cambio de estado que describe. El logger del
// ctx ya viene con tx_id (lo agrega quien procesa la transferencia).
func (l *Log) Record(ctx context.Context, repo repository.AuditRepository, txID string, action repository.LogAction, details string) error {
	row := &repository.TransactionLog{
		ID:            uuid.NewString(),
		TransactionID: txID,
		Action:        action,
		Details:       details,
		CreatedAt:     l.now(),
	}
	if err := repo.AppendLog(ctx, row); err != nil {
		return err
	}
	logger.From(ctx).Info("audit", logger.String("action", string(action)), logger.String("details", details))
	return nil
}

// History retorna los eventos de una transferencia en orden de escritura.
func History(ctx context.Context, repo repository.AuditRepository, txID string) ([]repository.TransactionLog, error) {
	return repo.ListLogs(ctx, txID)
}
