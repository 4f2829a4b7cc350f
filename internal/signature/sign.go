package signature

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

// Sign firma el digest H y devuelve la firma en base64.
func Sign(h []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: bad private key length %d", repository.ErrMalformedKey, len(priv))
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, h)), nil
}

// Verify verifica una firma base64 sobre H. Firmas que no decodifican
// simplemente no verifican.
func Verify(h []byte, sig string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := DecodeSignature(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, h, raw)
}

// DecodeSignature decodifica y valida el largo de una firma.
func DecodeSignature(sig string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64: %v", repository.ErrValidation, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes", repository.ErrValidation, ed25519.SignatureSize)
	}
	return raw, nil
}

// SignTransfer canonicaliza, hashea y firma. Devuelve (hashHex, firma).
func SignTransfer(sender, receiver string, amount decimal.Decimal, priv ed25519.PrivateKey) (string, string, error) {
	h, err := TransferHash(sender, receiver, amount)
	if err != nil {
		return "", "", err
	}
	sig, err := Sign(h, priv)
	if err != nil {
		return "", "", err
	}
	return HashHex(h), sig, nil
}

// Transfer son los campos registrados que se vuelven a verificar.
type Transfer struct {
	SenderNumber   string
	ReceiverNumber string
	Amount         decimal.Decimal
	StoredHash     string
	Signature      string
}

// CheckTransferHash recalcula H desde los campos registrados (nunca confía en
// un hash enviado por el cliente) y lo compara con el almacenado.
func CheckTransferHash(t Transfer) ([]byte, error) {
	h, err := TransferHash(t.SenderNumber, t.ReceiverNumber, t.Amount)
	if err != nil {
		return nil, err
	}
	stored, err := hex.DecodeString(t.StoredHash)
	if err != nil || subtle.ConstantTimeCompare(stored, h) != 1 {
		return nil, repository.ErrHashMismatch
	}
	return h, nil
}

// VerifyHashSignature verifica la firma sobre un H ya comprobado con la
// clave pública PEM del firmante.
func VerifyHashSignature(h []byte, sig, signerPublicPEM string) error {
	pub, err := ParsePublicKeyPEM(signerPublicPEM)
	if err != nil {
		return err
	}
	if !Verify(h, sig, pub) {
		return repository.ErrSignatureMismatch
	}
	return nil
}

// VerifyTransfer comprueba el hash y después la firma.
func VerifyTransfer(t Transfer, senderPublicPEM string) error {
	h, err := CheckTransferHash(t)
	if err != nil {
		return err
	}
	return VerifyHashSignature(h, t.Signature, senderPublicPEM)
}
