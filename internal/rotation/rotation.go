// Package rotation aplica la política de antigüedad sobre las claves de
// cuentas y de la CA, y limpia el material deprecado tras el período de gracia.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/metrics"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
)

const day = 24 * time.Hour

// Policy es inmutable una vez construido el Service.
type Policy struct {
	UserKeyMaxAgeDays int `json:"user_key_max_age_days"`
	CAKeyMaxAgeDays   int `json:"ca_key_max_age_days"`
	GracePeriodDays   int `json:"grace_period_days"`
}

// BatchResult resume una rotación masiva.
type BatchResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// KeyStore es lo que rotation necesita del Key Material Store.
type KeyStore interface {
	GetActiveKey(ctx context.Context, accountID string) (*repository.KeyPair, error)
	RotateKeyPair(ctx context.Context, accountID, newPublicKeyPEM, newPrivateKeyPEM string) (string, error)
	CleanupEphemeralKeys(ctx context.Context) (int, error)
}

// Authority es lo que rotation necesita de la CA.
type Authority interface {
	GetCAInfo(ctx context.Context) (*repository.CertificateAuthority, error)
	InitializeCA(ctx context.Context, info repository.CAInfo, force bool) (*repository.CertificateAuthority, error)
}

type Service struct {
	store  repository.Store
	keys   KeyStore
	ca     Authority
	policy Policy
	now    func() time.Time
}

func New(store repository.Store, keys KeyStore, ca Authority, policy Policy, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, keys: keys, ca: ca, policy: policy, now: now}
}

// Policy retorna una copia de la política vigente.
func (s *Service) Policy() Policy { return s.policy }

func due(created, now time.Time, maxAgeDays int) bool {
	return now.Sub(created) >= time.Duration(maxAgeDays)*day
}

// RotateUserKey rota la clave de la cuenta si venció (o si force). Retorna
// true si rotó. Las cuentas con custodia externa devuelven ErrExternalCustody.
func (s *Service) RotateUserKey(ctx context.Context, accountID string, force bool) (bool, error) {
	cur, err := s.keys.GetActiveKey(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("active key for %s: %w", accountID, err)
	}
	if cur.Custody == repository.CustodyExternal {
		return false, fmt.Errorf("account %s: %w", accountID, repository.ErrExternalCustody)
	}
	if !force && !due(cur.CreatedAt, s.now(), s.policy.UserKeyMaxAgeDays) {
		return false, nil
	}

	kp, err := signature.GenerateKeyPair()
	if err != nil {
		return false, fmt.Errorf("%w: generate key: %v", repository.ErrInfrastructure, err)
	}
	if _, err := s.keys.RotateKeyPair(ctx, accountID, kp.PublicPEM, kp.PrivatePEM); err != nil {
		metrics.KeyRotations.WithLabelValues("user", "failed").Inc()
		return false, err
	}
	metrics.KeyRotations.WithLabelValues("user", "rotated").Inc()
	return true, nil
}

// add suma el resultado de una rotación. Custodia externa cuenta como skipped:
// la plataforma no puede generar la clave del cliente.
func (r *BatchResult) add(accountID string, rotated bool, err error) {
	switch {
	case errors.Is(err, repository.ErrExternalCustody):
		r.Skipped++
		metrics.KeyRotations.WithLabelValues("user", "skipped").Inc()
	case err != nil:
		r.Failed++
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", accountID, err))
	case rotated:
		r.Success++
	default:
		r.Skipped++
	}
}

// RotateAccount rota una cuenta y lo resume igual que el lote.
func (s *Service) RotateAccount(ctx context.Context, accountID string, force bool) BatchResult {
	res := BatchResult{Errors: []string{}}
	rotated, err := s.RotateUserKey(ctx, accountID, force)
	res.add(accountID, rotated, err)
	return res
}

// RotateAllExpiredKeys recorre las cuentas activas. El fallo de una no corta el lote.
func (s *Service) RotateAllExpiredKeys(ctx context.Context) (BatchResult, error) {
	res := BatchResult{Errors: []string{}}
	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		return res, err
	}
	log := logger.From(ctx).With(logger.Op("rotate_all"))
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rotated, err := s.RotateUserKey(ctx, acc.ID, false)
		res.add(acc.ID, rotated, err)
		if err != nil && !errors.Is(err, repository.ErrExternalCustody) {
			log.Warn("account key rotation failed", logger.AccountID(acc.ID), logger.Err(err))
		}
	}
	log.Info("rotation pass finished",
		logger.Int("success", res.Success), logger.Int("failed", res.Failed), logger.Int("skipped", res.Skipped))
	return res, nil
}

// RotateCAKey regenera la CA con la misma identidad si venció (o si force).
// La CA anterior queda desactivada pero sigue verificando lo que firmó.
func (s *Service) RotateCAKey(ctx context.Context, force bool) (bool, error) {
	cur, err := s.ca.GetCAInfo(ctx)
	if err != nil {
		return false, err
	}
	if !force && !due(cur.EstablishedAt, s.now(), s.policy.CAKeyMaxAgeDays) {
		return false, nil
	}
	fresh, err := s.ca.InitializeCA(ctx, cur.Info, true)
	if err != nil {
		metrics.KeyRotations.WithLabelValues("ca", "failed").Inc()
		return false, err
	}
	metrics.KeyRotations.WithLabelValues("ca", "rotated").Inc()
	logger.From(ctx).Info("CA rotated", logger.CAID(fresh.ID), logger.String("previous_ca_id", cur.ID))
	return true, nil
}

// CleanupDeprecatedKeys borra los pares deprecados hace más de GracePeriodDays.
// Los pares activos nunca se tocan.
func (s *Service) CleanupDeprecatedKeys(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-time.Duration(s.policy.GracePeriodDays) * day)
	n, err := s.store.DeleteDeprecatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.DeprecatedKeysDeleted.Add(float64(n))
	if n > 0 {
		logger.From(ctx).Info("deprecated keys deleted", logger.Count(n), logger.String("cutoff", cutoff.Format(time.RFC3339)))
	}
	return n, nil
}

// CleanupExpiredEphemeralKeys borra las claves efímeras vencidas.
func (s *Service) CleanupExpiredEphemeralKeys(ctx context.Context) (int, error) {
	return s.keys.CleanupEphemeralKeys(ctx)
}
