package pg

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

const keyPairCols = `id, account_id, public_key, private_key, custody, version, created_at, deprecated_at, deprecation_reason`

func scanKeyPair(row pgx.Row) (*repository.KeyPair, error) {
	var (
		k       repository.KeyPair
		custody string
	)
	if err := row.Scan(&k.ID, &k.AccountID, &k.PublicKey, &k.PrivateKey, &custody, &k.Version,
		&k.CreatedAt, &k.DeprecatedAt, &k.DeprecationReason); err != nil {
		return nil, mapErr(err)
	}
	k.Custody = repository.Custody(custody)
	return &k, nil
}

func (s *Store) InsertKeyPair(ctx context.Context, k *repository.KeyPair) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO key_pairs (id, account_id, public_key, private_key, custody, version, created_at, deprecated_at, deprecation_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.q.Exec(ctx, q, k.ID, k.AccountID, k.PublicKey, k.PrivateKey, string(k.Custody),
		k.Version, k.CreatedAt, k.DeprecatedAt, k.DeprecationReason)
	return mapErr(err)
}

func (s *Store) GetActiveKeyPair(ctx context.Context, accountID string) (*repository.KeyPair, error) {
	return scanKeyPair(s.q.QueryRow(ctx,
		`SELECT `+keyPairCols+` FROM key_pairs WHERE account_id = $1 AND deprecated_at IS NULL`, accountID))
}

func (s *Store) GetKeyPairByVersion(ctx context.Context, accountID string, version int) (*repository.KeyPair, error) {
	return scanKeyPair(s.q.QueryRow(ctx,
		`SELECT `+keyPairCols+` FROM key_pairs WHERE account_id = $1 AND version = $2`, accountID, version))
}

func (s *Store) ListKeyPairs(ctx context.Context, accountID string) ([]repository.KeyPair, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+keyPairCols+` FROM key_pairs WHERE account_id = $1 ORDER BY version`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []repository.KeyPair
	for rows.Next() {
		k, err := scanKeyPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) DeprecateKeyPair(ctx context.Context, id string, at time.Time, reason string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE key_pairs SET deprecated_at = $2, deprecation_reason = $3 WHERE id = $1 AND deprecated_at IS NULL`,
		id, at, reason)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDeprecatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM key_pairs WHERE deprecated_at IS NOT NULL AND deprecated_at < $1`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// ─── Ephemeral keys ───

const ephemeralCols = `id, session_id, user_id, account_id, public_key, expires_at, is_active, created_at`

func (s *Store) InsertEphemeralKey(ctx context.Context, k *repository.EphemeralKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO ephemeral_keys (` + ephemeralCols + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.q.Exec(ctx, q, k.ID, k.SessionID, k.UserID, k.AccountID, k.PublicKey, k.ExpiresAt, k.Active, k.CreatedAt)
	return mapErr(err)
}

func (s *Store) GetEphemeralKey(ctx context.Context, sessionID string) (*repository.EphemeralKey, error) {
	var k repository.EphemeralKey
	err := s.q.QueryRow(ctx, `SELECT `+ephemeralCols+` FROM ephemeral_keys WHERE session_id = $1`, sessionID).
		Scan(&k.ID, &k.SessionID, &k.UserID, &k.AccountID, &k.PublicKey, &k.ExpiresAt, &k.Active, &k.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

func (s *Store) DeactivateEphemeralKey(ctx context.Context, sessionID string) error {
	_, err := s.q.Exec(ctx, `UPDATE ephemeral_keys SET is_active = FALSE WHERE session_id = $1`, sessionID)
	return mapErr(err)
}

func (s *Store) DeleteExpiredEphemeralKeys(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.q.Exec(ctx, `
DELETE FROM ephemeral_keys e
WHERE (e.expires_at <= $1 OR NOT e.is_active)
  AND NOT EXISTS (
    SELECT 1 FROM transactions t
    WHERE t.ephemeral_session_id = e.session_id AND t.status IN ('pending', 'processing')
  )`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}
