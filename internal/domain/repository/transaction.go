package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus es el estado de una transferencia.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing" // claim de un worker; vuelve a pending si vence
	TxApproved   TxStatus = "approved"
	TxRejected   TxStatus = "rejected"
	TxFailed     TxStatus = "failed"
)

// Terminal indica si el estado ya no admite transiciones.
func (s TxStatus) Terminal() bool {
	return s == TxApproved || s == TxRejected || s == TxFailed
}

// Transaction es una transferencia firmada entre dos cuentas.
type Transaction struct {
	ID                string
	SenderAccountID   string
	ReceiverAccountID string
	Amount            decimal.Decimal
	TransactionHash   string  // hex(sha256(mensaje canónico))
	DigitalSignature  string  // base64
	SenderKeyVersion  int     // versión de clave vigente al firmar
	SessionID         *string // sesión efímera que firmó; nil si firmó la clave de la cuenta
	Status            TxStatus
	RejectionReason   *string
	ClaimedBy         *string
	ClaimedAt         *time.Time
	ApprovedAt        *time.Time
	RejectedAt        *time.Time
	CreatedAt         time.Time
}

// TransactionRepository define operaciones sobre transferencias.
type TransactionRepository interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// ListTransactionsByAccount retorna las transferencias donde la cuenta es
	// emisora o receptora, más recientes primero.
	ListTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]Transaction, error)

	// ClaimPending pasa hasta limit filas de pending a processing para el
	// worker dado y las retorna. Dos workers nunca reclaman la misma fila.
	ClaimPending(ctx context.Context, workerID string, limit int, now time.Time) ([]Transaction, error)

	// ReleaseStaleClaims devuelve a pending las filas processing reclamadas
	// antes de olderThan.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)

	// FinalizeTransaction pasa una fila processing (del worker dado) a un
	// estado terminal. ErrInvalidState si la fila ya no le pertenece.
	FinalizeTransaction(ctx context.Context, id, workerID string, status TxStatus, reason string, at time.Time) error
}

// LogAction es el tipo de evento de auditoría.
type LogAction string

const (
	LogCreated  LogAction = "created"
	LogVerified LogAction = "verified"
	LogApproved LogAction = "approved"
	LogRejected LogAction = "rejected"
	LogFailed   LogAction = "failed"
)

// TransactionLog es una fila append-only del audit log.
type TransactionLog struct {
	ID            string
	TransactionID string
	Action        LogAction
	Details       string
	CreatedAt     time.Time
}

// AuditRepository define el audit log. No hay update ni delete.
type AuditRepository interface {
	AppendLog(ctx context.Context, l *TransactionLog) error
	ListLogs(ctx context.Context, txID string) ([]TransactionLog, error)
}
