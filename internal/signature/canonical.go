package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

const (
	// AccountNumberWidth es el ancho fijo de cada número de cuenta en M.
	AccountNumberWidth = 16
	// AmountWidth es el ancho fijo del monto (en centavos) en M.
	AmountWidth = 15
	// AmountScale es la cantidad de decimales admitidos.
	AmountScale = 2
)

var hundred = decimal.NewFromInt(100)

// Canonicalize construye el mensaje canónico sender ∥ receiver ∥ amount.
func Canonicalize(sender, receiver string, amount decimal.Decimal) ([]byte, error) {
	s, err := padAccount(sender)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	r, err := padAccount(receiver)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	a, err := padAmount(amount)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.Grow(2*AccountNumberWidth + AmountWidth)
	b.WriteString(s)
	b.WriteString(r)
	b.WriteString(a)
	return []byte(b.String()), nil
}

// Hash retorna SHA-256 del mensaje.
func Hash(message []byte) []byte {
	sum := sha256.Sum256(message)
	return sum[:]
}

// TransferHash canonicaliza y hashea en un paso.
func TransferHash(sender, receiver string, amount decimal.Decimal) ([]byte, error) {
	m, err := Canonicalize(sender, receiver, amount)
	if err != nil {
		return nil, err
	}
	return Hash(m), nil
}

// HashHex es la codificación almacenada en transaction_hash.
func HashHex(h []byte) string {
	return hex.EncodeToString(h)
}

func padAccount(number string) (string, error) {
	if number == "" || len(number) > AccountNumberWidth {
		return "", fmt.Errorf("%w: account number must have 1-%d digits", repository.ErrValidation, AccountNumberWidth)
	}
	for i := 0; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return "", fmt.Errorf("%w: account number must be numeric", repository.ErrValidation)
		}
	}
	return strings.Repeat("0", AccountNumberWidth-len(number)) + number, nil
}

func padAmount(amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be > 0", repository.ErrValidation)
	}
	cents := amount.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return "", fmt.Errorf("%w: amount supports at most %d decimals", repository.ErrValidation, AmountScale)
	}
	s := cents.Truncate(0).String()
	if len(s) > AmountWidth {
		return "", fmt.Errorf("%w: amount exceeds %d digits", repository.ErrValidation, AmountWidth)
	}
	return strings.Repeat("0", AmountWidth-len(s)) + s, nil
}
