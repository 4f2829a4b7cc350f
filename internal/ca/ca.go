// Package ca es la Certificate Authority propia de la plataforma. Notariza
// transferencias aprobadas emitiendo certificados X.509 firmados con Ed25519.
//
// Invariante: como máximo una CA activa. Forzar una regeneración desactiva
// la anterior sin borrarla; sigue sirviendo para verificar lo que firmó.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/security/secretbox"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
)

// OIDTransferAttestation identifica la extensión con los datos de la transferencia.
var OIDTransferAttestation = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59999, 1, 1}

// transferAttestation es el contenido DER de la extensión.
type transferAttestation struct {
	TransactionID string `asn1:"utf8"`
	Sender        string `asn1:"utf8"`
	Receiver      string `asn1:"utf8"`
	Amount        string `asn1:"utf8"`
	Hash          string `asn1:"utf8"`
	KeyVersion    int
}

// PublicKeys resuelve la clave pública de una versión puntual de una cuenta.
type PublicKeys interface {
	PublicKeyForVersion(ctx context.Context, accountID string, version int) (string, error)
}

type Config struct {
	CertValidity time.Duration
	RootValidity time.Duration
}

// Service implementa las operaciones de la CA.
type Service struct {
	store repository.Store
	box   *secretbox.Box
	keys  PublicKeys
	cfg   Config
	now   func() time.Time

	writer sync.Mutex // escritor único dentro del proceso
	sf     singleflight.Group
}

func New(store repository.Store, box *secretbox.Box, keys PublicKeys, cfg Config, now func() time.Time) *Service {
	if cfg.CertValidity <= 0 {
		cfg.CertValidity = 365 * 24 * time.Hour
	}
	if cfg.RootValidity <= 0 {
		cfg.RootValidity = 10 * 365 * 24 * time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, box: box, keys: keys, cfg: cfg, now: now}
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	// serial 0 no es válido en X.509
	return n.Add(n, big.NewInt(1)), nil
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func parseCertPEM(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(s)))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: expected PEM CERTIFICATE block", repository.ErrValidation)
	}
	return x509.ParseCertificate(block.Bytes)
}

func subjectFor(info repository.CAInfo) pkix.Name {
	n := pkix.Name{CommonName: info.Name}
	if info.Organization != "" {
		n.Organization = []string{info.Organization}
	}
	if info.OrganizationalUnit != "" {
		n.OrganizationalUnit = []string{info.OrganizationalUnit}
	}
	if info.Country != "" {
		n.Country = []string{info.Country}
	}
	return n
}

// newAuthority genera el par de la CA y su raíz autofirmada. No toca el store.
func (s *Service) newAuthority(info repository.CAInfo) (*repository.CertificateAuthority, error) {
	if strings.TrimSpace(info.Name) == "" {
		return nil, fmt.Errorf("%w: CA name is required", repository.ErrValidation)
	}
	if s.box == nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInfrastructure, secretbox.ErrNoKey)
	}
	pub, priv, err := signature.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	fp, err := signature.Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	skid := sha256.Sum256(pub)

	now := s.now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subjectFor(info),
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.cfg.RootValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          skid[:20],
	}
	if info.Email != "" {
		tmpl.EmailAddresses = []string{info.Email}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}

	pubPEM, err := signature.EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	privPEM, err := signature.EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	sealed, err := s.box.Encrypt(privPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: seal CA key: %v", repository.ErrInfrastructure, err)
	}
	return &repository.CertificateAuthority{
		ID:             uuid.NewString(),
		Info:           info,
		PublicKey:      pubPEM,
		PrivateKey:     sealed,
		CertificatePEM: encodeCertPEM(der),
		Fingerprint:    fp,
		KeySize:        signature.KeySizeBits,
		Active:         true,
		EstablishedAt:  now,
	}, nil
}

// InitializeCA crea la CA activa. Sin force falla con ErrConflict si ya hay
// una; con force desactiva la actual (se conserva) y crea otra.
func (s *Service) InitializeCA(ctx context.Context, info repository.CAInfo, force bool) (*repository.CertificateAuthority, error) {
	if !s.writer.TryLock() {
		return nil, fmt.Errorf("%w: CA initialization already in progress", repository.ErrConflict)
	}
	defer s.writer.Unlock()

	fresh, err := s.newAuthority(info)
	if err != nil {
		return nil, err
	}

	var previous *repository.CertificateAuthority
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.LockCAWriter(ctx); err != nil {
			return err
		}
		cur, err := tx.GetActiveCA(ctx)
		switch {
		case err == nil:
			if !force {
				return fmt.Errorf("%w: CA %s already active", repository.ErrConflict, cur.ID)
			}
			if err := tx.DeactivateCA(ctx, cur.ID, s.now()); err != nil {
				return err
			}
			previous = cur
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		return tx.InsertCA(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}
	s.sf.Forget("active")

	log := logger.From(ctx).With(logger.CAID(fresh.ID), logger.String("fingerprint", fresh.Fingerprint))
	if previous != nil {
		log.Warn("CA regenerated; certificates of the previous CA now chain to an inactive authority",
			logger.String("previous_ca_id", previous.ID))
	} else {
		log.Info("CA initialized")
	}
	return redacted(fresh), nil
}

func redacted(ca *repository.CertificateAuthority) *repository.CertificateAuthority {
	out := *ca
	out.PrivateKey = ""
	return &out
}

func (s *Service) activeCA(ctx context.Context) (*repository.CertificateAuthority, error) {
	v, err, _ := s.sf.Do("active", func() (any, error) {
		return s.store.GetActiveCA(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*repository.CertificateAuthority), nil
}

// GetCAInfo retorna la CA activa sin material privado.
func (s *Service) GetCAInfo(ctx context.Context) (*repository.CertificateAuthority, error) {
	ca, err := s.activeCA(ctx)
	if err != nil {
		return nil, err
	}
	return redacted(ca), nil
}

// CAKeysExist indica si hay una CA activa.
func (s *Service) CAKeysExist(ctx context.Context) (bool, error) {
	_, err := s.activeCA(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListAuthorities lista todas las CAs (activas y retiradas) sin material privado.
func (s *Service) ListAuthorities(ctx context.Context) ([]repository.CertificateAuthority, error) {
	all, err := s.store.ListCAs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].PrivateKey = ""
	}
	return all, nil
}
