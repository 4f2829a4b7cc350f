package repository

import (
	"context"
	"time"
)

// Custody indica quién guarda la clave privada.
type Custody string

const (
	CustodyPlatform Custody = "platform" // cifrada con secretbox en la DB
	CustodyExternal Custody = "external" // el cliente la guarda; nunca se descifra
)

// KeyPair es una generación de claves de una cuenta. Sólo una por cuenta
// tiene DeprecatedAt == nil.
type KeyPair struct {
	ID                string
	AccountID         string
	PublicKey         string // PEM (PKIX)
	PrivateKey        string // secretbox(PEM PKCS#8); vacío si Custody == external
	Custody           Custody
	Version           int
	CreatedAt         time.Time
	DeprecatedAt      *time.Time
	DeprecationReason *string
}

// IsActive indica si la clave no fue deprecada.
func (k *KeyPair) IsActive() bool { return k.DeprecatedAt == nil }

// KeyRepository define operaciones sobre pares de claves.
type KeyRepository interface {
	// InsertKeyPair inserta una generación. ErrConflict si ya existe la
	// versión o si queda más de una activa para la cuenta.
	InsertKeyPair(ctx context.Context, k *KeyPair) error

	// GetActiveKeyPair retorna la única clave no deprecada de la cuenta.
	GetActiveKeyPair(ctx context.Context, accountID string) (*KeyPair, error)

	// GetKeyPairByVersion retorna una generación puntual (activa o deprecada).
	GetKeyPairByVersion(ctx context.Context, accountID string, version int) (*KeyPair, error)

	// ListKeyPairs retorna todas las generaciones de la cuenta, por versión ascendente.
	ListKeyPairs(ctx context.Context, accountID string) ([]KeyPair, error)

	// DeprecateKeyPair marca la clave como deprecada si todavía está activa.
	// ErrNotFound si no existe o ya estaba deprecada.
	DeprecateKeyPair(ctx context.Context, id string, at time.Time, reason string) error

	// DeleteDeprecatedBefore borra claves deprecadas antes del cutoff.
	// Nunca toca claves activas.
	DeleteDeprecatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EphemeralKey es una clave pública atada a una sesión.
type EphemeralKey struct {
	ID        string
	SessionID string
	UserID    string
	AccountID string
	PublicKey string
	ExpiresAt time.Time
	Active    bool
	CreatedAt time.Time
}

// Usable indica si la clave puede usarse para firmar en el instante now.
func (e *EphemeralKey) Usable(now time.Time) bool {
	return e.Active && now.Before(e.ExpiresAt)
}

// EphemeralKeyRepository define operaciones sobre claves efímeras.
type EphemeralKeyRepository interface {
	InsertEphemeralKey(ctx context.Context, k *EphemeralKey) error
	GetEphemeralKey(ctx context.Context, sessionID string) (*EphemeralKey, error)

	// DeactivateEphemeralKey marca inactiva. No falla si ya estaba inactiva.
	DeactivateEphemeralKey(ctx context.Context, sessionID string) error

	// DeleteExpiredEphemeralKeys borra claves vencidas o inactivas. Conserva
	// las que firmaron transferencias todavía en pending o processing.
	DeleteExpiredEphemeralKeys(ctx context.Context, now time.Time) (int, error)
}
