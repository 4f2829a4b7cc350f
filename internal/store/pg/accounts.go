package pg

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

const accountCols = `id, user_id, account_number, balance::text, is_active, public_key, key_version, key_rotated_at, created_at`

func scanAccount(row pgx.Row) (*repository.Account, error) {
	var (
		a         repository.Account
		balance   string
		rotatedAt *time.Time
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.AccountNumber, &balance, &a.Active,
		&a.PublicKey, &a.KeyVersion, &rotatedAt, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	b, err := parseMoney(balance)
	if err != nil {
		return nil, err
	}
	a.Balance = b
	a.KeyRotatedAt = derefTime(rotatedAt)
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]repository.Account, error) {
	defer rows.Close()
	var out []repository.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) CreateAccount(ctx context.Context, a *repository.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var rotatedAt *time.Time
	if !a.KeyRotatedAt.IsZero() {
		rotatedAt = &a.KeyRotatedAt
	}
	const q = `
INSERT INTO accounts (id, user_id, account_number, balance, is_active, public_key, key_version, key_rotated_at, created_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`
	_, err := s.q.Exec(ctx, q, a.ID, a.UserID, a.AccountNumber, money(a.Balance), a.Active,
		a.PublicKey, a.KeyVersion, rotatedAt, a.CreatedAt)
	return mapErr(err)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*repository.Account, error) {
	return scanAccount(s.q.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) GetAccountByNumber(ctx context.Context, number string) (*repository.Account, error) {
	return scanAccount(s.q.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE account_number = $1`, number))
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]repository.Account, error) {
	rows, err := s.q.Query(ctx, `SELECT `+accountCols+` FROM accounts WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAccounts(rows)
}

// LockAccounts toma FOR UPDATE en orden ascendente de id, así dos
// liquidaciones cruzadas nunca se bloquean mutuamente.
func (s *Store) LockAccounts(ctx context.Context, ids ...string) ([]repository.Account, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)
	rows, err := s.q.Query(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, uniq)
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := collectAccounts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) != len(uniq) {
		return nil, fmt.Errorf("lock accounts: %w", repository.ErrNotFound)
	}
	return out, nil
}

func (s *Store) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance would be negative", repository.ErrInvalidState)
	}
	tag, err := s.q.Exec(ctx, `UPDATE accounts SET balance = $2::numeric WHERE id = $1`, id, money(balance))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAccountKey(ctx context.Context, id, publicKey string, version int, rotatedAt time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE accounts SET public_key = $2, key_version = $3, key_rotated_at = $4 WHERE id = $1`,
		id, publicKey, version, rotatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
