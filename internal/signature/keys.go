package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

const (
	pemPublic  = "PUBLIC KEY"
	pemPrivate = "PRIVATE KEY"

	// KeySizeBits es el tamaño de clave Ed25519 reportado en la CA.
	KeySizeBits = ed25519.PublicKeySize * 8
)

// KeyPair es un par Ed25519 ya codificado en PEM.
type KeyPair struct {
	PublicPEM  string
	PrivatePEM string
}

// GenerateEd25519 genera un par nuevo con crypto/rand.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateKeyPair genera un par y lo devuelve en PEM.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("generate ed25519: %w", err)
	}
	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	privPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicPEM: pubPEM, PrivatePEM: privPEM}, nil
}

// EncodePublicKeyPEM codifica la clave como PEM PKIX.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal pkix: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublic, Bytes: der})), nil
}

// EncodePrivateKeyPEM codifica la clave como PEM PKCS#8.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal pkcs8: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPrivate, Bytes: der})), nil
}

// ParsePublicKeyPEM valida estructuralmente y parsea una clave pública.
// Cualquier falla es ErrMalformedKey.
func ParsePublicKeyPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(s)))
	if block == nil || block.Type != pemPublic {
		return nil, fmt.Errorf("%w: expected PEM %q block", repository.ErrMalformedKey, pemPublic)
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrMalformedKey, err)
	}
	pub, ok := k.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", repository.ErrMalformedKey, k)
	}
	return pub, nil
}

// ParsePrivateKeyPEM parsea una clave privada PKCS#8 Ed25519.
func ParsePrivateKeyPEM(s string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(s)))
	if block == nil || block.Type != pemPrivate {
		return nil, fmt.Errorf("%w: expected PEM %q block", repository.ErrMalformedKey, pemPrivate)
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrMalformedKey, err)
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", repository.ErrMalformedKey, k)
	}
	return priv, nil
}

// Fingerprint es hex(sha256(DER PKIX)) de la clave pública.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal pkix: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// MatchingPair indica si priv corresponde a pub.
func MatchingPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) bool {
	derived, ok := priv.Public().(ed25519.PublicKey)
	return ok && derived.Equal(pub)
}
