package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account es la cuenta de un usuario. El número de cuenta es único e inmutable.
type Account struct {
	ID            string
	UserID        string
	AccountNumber string
	Balance       decimal.Decimal // nunca negativo, dos decimales
	Active        bool
	PublicKey     string // PEM de la clave activa
	KeyVersion    int
	KeyRotatedAt  time.Time
	CreatedAt     time.Time
}

// AccountRepository define operaciones sobre cuentas.
type AccountRepository interface {
	// CreateAccount inserta una cuenta. ErrConflict si el número ya existe.
	CreateAccount(ctx context.Context, a *Account) error

	// GetAccount busca por ID. ErrNotFound si no existe.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// GetAccountByNumber busca por número de cuenta.
	GetAccountByNumber(ctx context.Context, number string) (*Account, error)

	// ListActiveAccounts retorna todas las cuentas activas ordenadas por ID.
	ListActiveAccounts(ctx context.Context) ([]Account, error)

	// LockAccounts bloquea las filas para update, siempre en orden ascendente
	// de ID, y las retorna en ese orden. Sólo tiene sentido dentro de WithTx.
	LockAccounts(ctx context.Context, ids ...string) ([]Account, error)

	// UpdateBalance pisa el saldo de una cuenta.
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// UpdateAccountKey actualiza public_key, key_version y key_rotated_at.
	UpdateAccountKey(ctx context.Context, id, publicKey string, version int, rotatedAt time.Time) error
}
