package repository

import "context"

// Store agrupa todos los repositorios sobre un mismo backend.
type Store interface {
	AccountRepository
	KeyRepository
	EphemeralKeyRepository
	CARepository
	TransactionRepository
	CertificateRepository
	AuditRepository

	// WithTx ejecuta fn dentro de una unidad atómica. Si fn retorna error
	// (o hace panic) todo se deshace.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Ping verifica la conexión.
	Ping(ctx context.Context) error

	// Close libera recursos.
	Close() error
}
