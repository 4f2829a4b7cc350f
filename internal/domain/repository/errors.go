package repository

import "errors"

var (
	// ErrValidation indica input malformado (ej: clave pública que no parsea).
	ErrValidation = errors.New("validation error")

	// ErrNotFound indica que el recurso solicitado no existe.
	ErrNotFound = errors.New("not found")

	// ErrConflict indica un conflicto (duplicado, CA activa, escritor concurrente).
	ErrConflict = errors.New("conflict")

	// ErrInvalidState indica que la entidad no está en el estado requerido.
	ErrInvalidState = errors.New("invalid state")

	// ErrMalformedKey indica que una clave no pudo parsearse.
	ErrMalformedKey = errors.New("malformed key")

	// ErrSignatureMismatch indica que la firma no verifica contra la clave pública.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrHashMismatch indica que el hash recalculado difiere del almacenado.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrInfrastructure indica una falla de storage o transporte.
	ErrInfrastructure = errors.New("infrastructure error")

	// ErrExpired indica que una clave efímera venció.
	ErrExpired = errors.New("expired")

	// ErrExternalCustody indica que la clave privada no está en custodia de la plataforma.
	ErrExternalCustody = errors.New("private key held externally")

	// ErrInsufficientFunds indica que el emisor no tiene saldo suficiente.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// IsNotFound verifica si el error es ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict verifica si el error es ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation verifica si el error es ErrValidation o ErrMalformedKey.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrMalformedKey)
}
