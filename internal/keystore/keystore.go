// Package keystore es el Key Material Store: custodia de pares de claves por
// cuenta, versionado con deprecación, y claves efímeras de sesión.
package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/ledgerkeys/internal/cache"
	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/security/secretbox"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
)

// Service implementa las operaciones del Key Material Store.
type Service struct {
	store    repository.Store
	box      *secretbox.Box // nil => sólo custodia externa
	cache    cache.Client
	cacheTTL time.Duration
	maxTTL   time.Duration
	now      func() time.Time
}

// Option configura el Service.
type Option func(*Service)

// WithCache habilita el cache de claves públicas por versión.
func WithCache(c cache.Client, ttl time.Duration) Option {
	return func(s *Service) { s.cache, s.cacheTTL = c, ttl }
}

// WithClock reemplaza time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxEphemeralTTL acota el TTL de las claves efímeras.
func WithMaxEphemeralTTL(d time.Duration) Option {
	return func(s *Service) { s.maxTTL = d }
}

func New(store repository.Store, box *secretbox.Box, opts ...Option) *Service {
	s := &Service{
		store:  store,
		box:    box,
		maxTTL: 24 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now expone el reloj del servicio para que los demás componentes compartan
// la misma noción de tiempo.
func (s *Service) Now() time.Time { return s.now() }

// sealPrivate valida que priv corresponda a pub y la cifra. priv vacío => custodia externa.
func (s *Service) sealPrivate(pub ed25519.PublicKey, privPEM string) (string, repository.Custody, error) {
	if privPEM == "" {
		return "", repository.CustodyExternal, nil
	}
	priv, err := signature.ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", repository.ErrValidation, err)
	}
	if !signature.MatchingPair(pub, priv) {
		return "", "", fmt.Errorf("%w: private key does not match public key", repository.ErrValidation)
	}
	if s.box == nil {
		return "", "", fmt.Errorf("%w: %v", repository.ErrInfrastructure, secretbox.ErrNoKey)
	}
	sealed, err := s.box.Encrypt(privPEM)
	if err != nil {
		return "", "", fmt.Errorf("%w: seal private key: %v", repository.ErrInfrastructure, err)
	}
	return sealed, repository.CustodyPlatform, nil
}

func parsePublic(pubPEM string) (ed25519.PublicKey, error) {
	pub, err := signature.ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrValidation, err)
	}
	return pub, nil
}

// ProvisionKeyPair crea la versión 1 para una cuenta recién creada.
func (s *Service) ProvisionKeyPair(ctx context.Context, accountID, publicKeyPEM, privateKeyPEM string) (string, error) {
	var id string
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		id, err = s.ProvisionIn(ctx, tx, accountID, publicKeyPEM, privateKeyPEM)
		return err
	})
	return id, err
}

// ProvisionIn es ProvisionKeyPair dentro de una tx existente (alta de cuenta).
func (s *Service) ProvisionIn(ctx context.Context, tx repository.Store, accountID, publicKeyPEM, privateKeyPEM string) (string, error) {
	pub, err := parsePublic(publicKeyPEM)
	if err != nil {
		return "", err
	}
	sealed, custody, err := s.sealPrivate(pub, privateKeyPEM)
	if err != nil {
		return "", err
	}
	if _, err := tx.GetAccount(ctx, accountID); err != nil {
		return "", fmt.Errorf("account %s: %w", accountID, err)
	}
	if _, err := tx.GetActiveKeyPair(ctx, accountID); err == nil {
		return "", fmt.Errorf("%w: account %s already has a key pair", repository.ErrConflict, accountID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	now := s.now()
	kp := &repository.KeyPair{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		PublicKey:  publicKeyPEM,
		PrivateKey: sealed,
		Custody:    custody,
		Version:    1,
		CreatedAt:  now,
	}
	if err := tx.InsertKeyPair(ctx, kp); err != nil {
		return "", err
	}
	if err := tx.UpdateAccountKey(ctx, accountID, publicKeyPEM, 1, now); err != nil {
		return "", err
	}
	logger.From(ctx).Info("key pair provisioned",
		logger.AccountID(accountID), logger.KeyVersion(1), logger.String("custody", string(custody)))
	return kp.ID, nil
}

// RotateKeyPair depreca la clave activa e inserta version+1, todo en una tx.
func (s *Service) RotateKeyPair(ctx context.Context, accountID, newPublicKeyPEM, newPrivateKeyPEM string) (string, error) {
	pub, err := parsePublic(newPublicKeyPEM)
	if err != nil {
		return "", err
	}
	sealed, custody, err := s.sealPrivate(pub, newPrivateKeyPEM)
	if err != nil {
		return "", err
	}

	var (
		id      string
		version int
	)
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("account %s: %w", accountID, err)
		}
		if !acc.Active {
			return fmt.Errorf("account %s inactive: %w", accountID, repository.ErrNotFound)
		}
		cur, err := tx.GetActiveKeyPair(ctx, accountID)
		if err != nil {
			return fmt.Errorf("active key for %s: %w", accountID, err)
		}

		now := s.now()
		version = max(cur.Version, acc.KeyVersion) + 1
		reason := "rotated to version " + strconv.Itoa(version)
		if err := tx.DeprecateKeyPair(ctx, cur.ID, now, reason); err != nil {
			return err
		}
		kp := &repository.KeyPair{
			ID:         uuid.NewString(),
			AccountID:  accountID,
			PublicKey:  newPublicKeyPEM,
			PrivateKey: sealed,
			Custody:    custody,
			Version:    version,
			CreatedAt:  now,
		}
		if err := tx.InsertKeyPair(ctx, kp); err != nil {
			return err
		}
		id = kp.ID
		return tx.UpdateAccountKey(ctx, accountID, newPublicKeyPEM, version, now)
	})
	if err != nil {
		return "", err
	}
	logger.From(ctx).Info("key pair rotated", logger.AccountID(accountID), logger.KeyVersion(version))
	return id, nil
}

// GetActiveKey retorna la clave no deprecada de la cuenta.
func (s *Service) GetActiveKey(ctx context.Context, accountID string) (*repository.KeyPair, error) {
	return s.store.GetActiveKeyPair(ctx, accountID)
}

// ListKeyPairs lista todas las generaciones sin material privado.
func (s *Service) ListKeyPairs(ctx context.Context, accountID string) ([]repository.KeyPair, error) {
	keys, err := s.store.ListKeyPairs(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].PrivateKey = ""
	}
	return keys, nil
}

func publicKeyCacheKey(accountID string, version int) string {
	return "pk:" + accountID + ":" + strconv.Itoa(version)
}

// PublicKeyForVersion retorna el PEM de la clave de una versión puntual.
// Las versiones son inmutables, así que se cachean sin invalidación.
func (s *Service) PublicKeyForVersion(ctx context.Context, accountID string, version int) (string, error) {
	key := publicKeyCacheKey(accountID, version)
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, key); err == nil {
			return v, nil
		} else if !cache.IsNotFound(err) {
			logger.From(ctx).Warn("public key cache get failed", logger.Err(err))
		}
	}
	kp, err := s.store.GetKeyPairByVersion(ctx, accountID, version)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, kp.PublicKey, s.cacheTTL); err != nil {
			logger.From(ctx).Warn("public key cache set failed", logger.Err(err))
		}
	}
	return kp.PublicKey, nil
}

// PrivateKey abre la clave privada de un par en custodia de la plataforma.
func (s *Service) PrivateKey(kp *repository.KeyPair) (ed25519.PrivateKey, error) {
	if kp.Custody == repository.CustodyExternal || kp.PrivateKey == "" {
		return nil, repository.ErrExternalCustody
	}
	if s.box == nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInfrastructure, secretbox.ErrNoKey)
	}
	pemStr, err := s.box.Decrypt(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: open private key: %v", repository.ErrInfrastructure, err)
	}
	return signature.ParsePrivateKeyPEM(pemStr)
}
