package pg

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

const txCols = `id, sender_account_id, receiver_account_id, amount::text, transaction_hash, digital_signature,
sender_key_version, ephemeral_session_id, status, rejection_reason, claimed_by, claimed_at, approved_at, rejected_at, created_at`

func scanTx(row pgx.Row) (*repository.Transaction, error) {
	var (
		t      repository.Transaction
		amount string
		status string
	)
	if err := row.Scan(&t.ID, &t.SenderAccountID, &t.ReceiverAccountID, &amount, &t.TransactionHash,
		&t.DigitalSignature, &t.SenderKeyVersion, &t.SessionID, &status, &t.RejectionReason, &t.ClaimedBy,
		&t.ClaimedAt, &t.ApprovedAt, &t.RejectedAt, &t.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	a, err := parseMoney(amount)
	if err != nil {
		return nil, err
	}
	t.Amount = a
	t.Status = repository.TxStatus(status)
	return &t, nil
}

func collectTxs(rows pgx.Rows) ([]repository.Transaction, error) {
	defer rows.Close()
	var out []repository.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) InsertTransaction(ctx context.Context, t *repository.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = repository.TxPending
	}
	const q = `
INSERT INTO transactions (id, sender_account_id, receiver_account_id, amount, transaction_hash,
    digital_signature, sender_key_version, ephemeral_session_id, status, created_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, q, t.ID, t.SenderAccountID, t.ReceiverAccountID, money(t.Amount),
		t.TransactionHash, t.DigitalSignature, t.SenderKeyVersion, t.SessionID, string(t.Status), t.CreatedAt)
	return mapErr(err)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*repository.Transaction, error) {
	return scanTx(s.q.QueryRow(ctx, `SELECT `+txCols+` FROM transactions WHERE id = $1`, id))
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]repository.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `
SELECT `+txCols+` FROM transactions
WHERE sender_account_id = $1 OR receiver_account_id = $1
ORDER BY created_at DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectTxs(rows)
}

// ClaimPending: SKIP LOCKED hace que dos workers concurrentes tomen lotes
// disjuntos sin esperarse.
func (s *Store) ClaimPending(ctx context.Context, workerID string, limit int, now time.Time) ([]repository.Transaction, error) {
	rows, err := s.q.Query(ctx, `
UPDATE transactions SET status = 'processing', claimed_by = $1, claimed_at = $2
WHERE id IN (
    SELECT id FROM transactions
    WHERE status = 'pending'
    ORDER BY created_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING `+txCols, workerID, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := collectTxs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.q.Exec(ctx, `
UPDATE transactions SET status = 'pending', claimed_by = NULL, claimed_at = NULL
WHERE status = 'processing' AND claimed_at < $1`, olderThan)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) FinalizeTransaction(ctx context.Context, id, workerID string, status repository.TxStatus, reason string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", repository.ErrInvalidState, status)
	}
	var approvedAt, rejectedAt *time.Time
	var rejection *string
	if status == repository.TxApproved {
		approvedAt = &at
	} else {
		rejectedAt = &at
		rejection = nullIfEmpty(reason)
	}
	tag, err := s.q.Exec(ctx, `
UPDATE transactions
SET status = $3, rejection_reason = $4, approved_at = $5, rejected_at = $6
WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		id, workerID, string(status), rejection, approvedAt, rejectedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return fmt.Errorf("%w: transaction %s not claimed by %s", repository.ErrInvalidState, id, workerID)
}

// ─── Audit ───

func (s *Store) AppendLog(ctx context.Context, l *repository.TransactionLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx, `
INSERT INTO transaction_logs (id, transaction_id, action, details, created_at)
VALUES ($1, $2, $3, $4, $5)`, l.ID, l.TransactionID, string(l.Action), l.Details, l.CreatedAt)
	return mapErr(err)
}

func (s *Store) ListLogs(ctx context.Context, txID string) ([]repository.TransactionLog, error) {
	rows, err := s.q.Query(ctx, `
SELECT id, transaction_id, action, details, created_at
FROM transaction_logs WHERE transaction_id = $1 ORDER BY seq`, txID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []repository.TransactionLog
	for rows.Next() {
		var (
			l      repository.TransactionLog
			action string
		)
		if err := rows.Scan(&l.ID, &l.TransactionID, &action, &l.Details, &l.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		l.Action = repository.LogAction(action)
		out = append(out, l)
	}
	return out, mapErr(rows.Err())
}
