package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
)

// IssueEphemeralKey registra una clave pública de sesión y retorna el session id.
func (s *Service) IssueEphemeralKey(ctx context.Context, userID, accountID, publicKeyPEM string, ttl time.Duration) (string, error) {
	if _, err := parsePublic(publicKeyPEM); err != nil {
		return "", err
	}
	if ttl <= 0 || ttl > s.maxTTL {
		return "", fmt.Errorf("%w: ttl must be in (0, %s]", repository.ErrValidation, s.maxTTL)
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("account %s: %w", accountID, err)
	}
	if acc.UserID != userID {
		return "", fmt.Errorf("%w: account %s does not belong to user %s", repository.ErrValidation, accountID, userID)
	}

	now := s.now()
	k := &repository.EphemeralKey{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		UserID:    userID,
		AccountID: accountID,
		PublicKey: publicKeyPEM,
		ExpiresAt: now.Add(ttl),
		Active:    true,
		CreatedAt: now,
	}
	if err := s.store.InsertEphemeralKey(ctx, k); err != nil {
		return "", err
	}
	logger.From(ctx).Info("ephemeral key issued",
		logger.AccountID(accountID), logger.SessionID(k.SessionID), logger.Duration(ttl))
	return k.SessionID, nil
}

// RevokeEphemeralKey marca la sesión inactiva. Idempotente.
func (s *Service) RevokeEphemeralKey(ctx context.Context, sessionID string) error {
	return s.store.DeactivateEphemeralKey(ctx, sessionID)
}

// ValidEphemeralKey retorna la clave sólo si está activa y no venció.
func (s *Service) ValidEphemeralKey(ctx context.Context, sessionID string) (*repository.EphemeralKey, error) {
	k, err := s.store.GetEphemeralKey(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !k.Active {
		return nil, fmt.Errorf("session %s revoked: %w", sessionID, repository.ErrExpired)
	}
	if !s.now().Before(k.ExpiresAt) {
		return nil, fmt.Errorf("session %s: %w", sessionID, repository.ErrExpired)
	}
	return k, nil
}

// CleanupEphemeralKeys borra claves efímeras vencidas o revocadas.
func (s *Service) CleanupEphemeralKeys(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredEphemeralKeys(ctx, s.now())
}
