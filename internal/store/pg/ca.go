package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

// caWriterLockKey es la clave del advisory lock de escritor único de la CA.
const caWriterLockKey int64 = 0x6c6b_6361 // "lkca"

// LockCAWriter toma pg_try_advisory_xact_lock; se libera con la tx.
func (s *Store) LockCAWriter(ctx context.Context) error {
	if !s.inTx {
		return fmt.Errorf("%w: LockCAWriter requires a transaction", repository.ErrInvalidState)
	}
	var ok bool
	if err := s.q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, caWriterLockKey).Scan(&ok); err != nil {
		return mapErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: another CA writer holds the lock", repository.ErrConflict)
	}
	return nil
}

const caCols = `id, name, organization, organizational_unit, country, email, public_key, private_key,
certificate_pem, fingerprint, key_size, is_active, established_at, deactivated_at`

func scanCA(row pgx.Row) (*repository.CertificateAuthority, error) {
	var ca repository.CertificateAuthority
	if err := row.Scan(&ca.ID, &ca.Info.Name, &ca.Info.Organization, &ca.Info.OrganizationalUnit,
		&ca.Info.Country, &ca.Info.Email, &ca.PublicKey, &ca.PrivateKey, &ca.CertificatePEM,
		&ca.Fingerprint, &ca.KeySize, &ca.Active, &ca.EstablishedAt, &ca.DeactivatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &ca, nil
}

func (s *Store) GetActiveCA(ctx context.Context) (*repository.CertificateAuthority, error) {
	return scanCA(s.q.QueryRow(ctx, `SELECT `+caCols+` FROM certificate_authorities WHERE is_active`))
}

func (s *Store) GetCA(ctx context.Context, id string) (*repository.CertificateAuthority, error) {
	return scanCA(s.q.QueryRow(ctx, `SELECT `+caCols+` FROM certificate_authorities WHERE id = $1`, id))
}

func (s *Store) ListCAs(ctx context.Context) ([]repository.CertificateAuthority, error) {
	rows, err := s.q.Query(ctx, `SELECT `+caCols+` FROM certificate_authorities ORDER BY established_at`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []repository.CertificateAuthority
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ca)
	}
	return out, mapErr(rows.Err())
}

// InsertCA: el índice único parcial uq_ca_active rechaza una segunda activa.
func (s *Store) InsertCA(ctx context.Context, ca *repository.CertificateAuthority) error {
	if ca.ID == "" {
		ca.ID = uuid.NewString()
	}
	if ca.EstablishedAt.IsZero() {
		ca.EstablishedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO certificate_authorities (` + caCols + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.q.Exec(ctx, q, ca.ID, ca.Info.Name, ca.Info.Organization, ca.Info.OrganizationalUnit,
		ca.Info.Country, ca.Info.Email, ca.PublicKey, ca.PrivateKey, ca.CertificatePEM,
		ca.Fingerprint, ca.KeySize, ca.Active, ca.EstablishedAt, ca.DeactivatedAt)
	return mapErr(err)
}

func (s *Store) DeactivateCA(ctx context.Context, id string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE certificate_authorities SET is_active = FALSE, deactivated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ─── Certificates ───

const certCols = `id, transaction_id, ca_id, serial_number, subject, issuer, certificate_pem, issued_at, expires_at`

func scanCert(row pgx.Row) (*repository.Certificate, error) {
	var c repository.Certificate
	if err := row.Scan(&c.ID, &c.TransactionID, &c.CAID, &c.SerialNumber, &c.Subject, &c.Issuer,
		&c.CertificatePEM, &c.IssuedAt, &c.ExpiresAt); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) InsertCertificate(ctx context.Context, c *repository.Certificate) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `
INSERT INTO certificates (` + certCols + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.q.Exec(ctx, q, c.ID, c.TransactionID, c.CAID, c.SerialNumber, c.Subject, c.Issuer,
		c.CertificatePEM, c.IssuedAt, c.ExpiresAt)
	return mapErr(err)
}

func (s *Store) GetCertificateByTransaction(ctx context.Context, txID string) (*repository.Certificate, error) {
	return scanCert(s.q.QueryRow(ctx, `SELECT `+certCols+` FROM certificates WHERE transaction_id = $1`, txID))
}

func (s *Store) GetCertificateBySerial(ctx context.Context, serial string) (*repository.Certificate, error) {
	return scanCert(s.q.QueryRow(ctx, `SELECT `+certCols+` FROM certificates WHERE serial_number = $1`, serial))
}
