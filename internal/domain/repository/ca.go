package repository

import (
	"context"
	"time"
)

// CAInfo son los campos del distinguished name de la CA.
type CAInfo struct {
	Name               string `json:"name" yaml:"name"`
	Organization       string `json:"organization" yaml:"organization"`
	OrganizationalUnit string `json:"organizational_unit" yaml:"organizational_unit"`
	Country            string `json:"country" yaml:"country"`
	Email              string `json:"email" yaml:"email"`
}

// CertificateAuthority es la CA propia de la plataforma. Como máximo una
// activa a la vez; las desactivadas se conservan para verificar lo que firmaron.
type CertificateAuthority struct {
	ID             string
	Info           CAInfo
	PublicKey      string // PEM
	PrivateKey     string // secretbox(PEM)
	CertificatePEM string // raíz autofirmada
	Fingerprint    string // hex(sha256(DER pubkey))
	KeySize        int    // bits
	Active         bool
	EstablishedAt  time.Time
	DeactivatedAt  *time.Time
}

// CARepository define operaciones sobre la CA.
type CARepository interface {
	// LockCAWriter toma el lock de escritor único para init/rotación.
	// Debe llamarse dentro de WithTx. ErrConflict si otro escritor lo tiene.
	LockCAWriter(ctx context.Context) error

	GetActiveCA(ctx context.Context) (*CertificateAuthority, error)
	GetCA(ctx context.Context, id string) (*CertificateAuthority, error)
	ListCAs(ctx context.Context) ([]CertificateAuthority, error)

	// InsertCA inserta una CA. ErrConflict si ya hay otra activa.
	InsertCA(ctx context.Context, ca *CertificateAuthority) error

	// DeactivateCA desactiva la CA (no la borra).
	DeactivateCA(ctx context.Context, id string, at time.Time) error
}

// Certificate atestigua una transferencia aprobada. 1:1 con Transaction.
type Certificate struct {
	ID             string
	TransactionID  string
	CAID           string
	SerialNumber   string // hex
	Subject        string
	Issuer         string
	CertificatePEM string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// CertificateRepository define operaciones sobre certificados.
type CertificateRepository interface {
	// InsertCertificate inserta. ErrConflict si la transacción ya tiene
	// certificado o el serial está repetido.
	InsertCertificate(ctx context.Context, c *Certificate) error
	GetCertificateByTransaction(ctx context.Context, txID string) (*Certificate, error)
	GetCertificateBySerial(ctx context.Context, serial string) (*Certificate, error)
}
