package ca

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/metrics"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
)

// signer abre la clave privada de la CA y parsea su raíz.
func (s *Service) signer(ca *repository.CertificateAuthority) (*x509.Certificate, ed25519.PrivateKey, error) {
	if s.box == nil {
		return nil, nil, fmt.Errorf("%w: CA key box not configured", repository.ErrInfrastructure)
	}
	pemStr, err := s.box.Decrypt(ca.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open CA key: %v", repository.ErrInfrastructure, err)
	}
	priv, err := signature.ParsePrivateKeyPEM(pemStr)
	if err != nil {
		return nil, nil, err
	}
	root, err := parseCertPEM(ca.CertificatePEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: CA certificate: %v", repository.ErrInfrastructure, err)
	}
	return root, priv, nil
}

// IssueCertificate emite el certificado de una transferencia aprobada con la
// CA activa. Es idempotente: si ya existe, lo retorna.
func (s *Service) IssueCertificate(ctx context.Context, txID string) (*repository.Certificate, error) {
	t, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Status != repository.TxApproved {
		return nil, fmt.Errorf("%w: transaction %s is %s", repository.ErrInvalidState, txID, t.Status)
	}
	if existing, err := s.store.GetCertificateByTransaction(ctx, txID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	ca, err := s.activeCA(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("no active CA: %w", err)
		}
		return nil, err
	}
	root, caPriv, err := s.signer(ca)
	if err != nil {
		return nil, err
	}

	sender, err := s.store.GetAccount(ctx, t.SenderAccountID)
	if err != nil {
		return nil, fmt.Errorf("sender %s: %w", t.SenderAccountID, err)
	}
	receiver, err := s.store.GetAccount(ctx, t.ReceiverAccountID)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: %w", t.ReceiverAccountID, err)
	}
	pubPEM, err := s.keys.PublicKeyForVersion(ctx, sender.ID, t.SenderKeyVersion)
	if err != nil {
		return nil, fmt.Errorf("sender key v%d: %w", t.SenderKeyVersion, err)
	}
	senderPub, err := signature.ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, err
	}

	ext, err := asn1.Marshal(transferAttestation{
		TransactionID: t.ID,
		Sender:        sender.AccountNumber,
		Receiver:      receiver.AccountNumber,
		Amount:        t.Amount.StringFixed(signature.AmountScale),
		Hash:          t.TransactionHash,
		KeyVersion:    t.SenderKeyVersion,
	})
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := s.now()
	notAfter := now.Add(s.cfg.CertValidity)
	if notAfter.After(root.NotAfter) {
		notAfter = root.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "txn-" + t.ID,
			Organization:       []string{sender.AccountNumber},
			OrganizationalUnit: []string{receiver.AccountNumber},
		},
		NotBefore:       now.Add(-time.Minute),
		NotAfter:        notAfter,
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{Id: OIDTransferAttestation, Value: ext}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, root, senderPub, caPriv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	cert := &repository.Certificate{
		ID:             uuid.NewString(),
		TransactionID:  t.ID,
		CAID:           ca.ID,
		SerialNumber:   fmt.Sprintf("%x", serial),
		Subject:        tmpl.Subject.String(),
		Issuer:         root.Subject.String(),
		CertificatePEM: encodeCertPEM(der),
		IssuedAt:       now,
		ExpiresAt:      notAfter,
	}
	if err := s.store.InsertCertificate(ctx, cert); err != nil {
		// otro proceso lo emitió primero
		if errors.Is(err, repository.ErrConflict) {
			if existing, gerr := s.store.GetCertificateByTransaction(ctx, txID); gerr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	metrics.CertificatesIssued.Inc()
	logger.From(ctx).Info("certificate issued",
		logger.TxID(t.ID), logger.CAID(ca.ID), logger.Serial(cert.SerialNumber))
	return cert, nil
}

// GetCertificate retorna el certificado de una transacción.
func (s *Service) GetCertificate(ctx context.Context, txID string) (*repository.Certificate, error) {
	return s.store.GetCertificateByTransaction(ctx, txID)
}

// VerifyCertificate comprueba que el certificado fue firmado por la CA que lo
// emitió (activa o no) y que su atestación coincide con la transacción.
func (s *Service) VerifyCertificate(ctx context.Context, c *repository.Certificate) error {
	ca, err := s.store.GetCA(ctx, c.CAID)
	if err != nil {
		return fmt.Errorf("issuer CA %s: %w", c.CAID, err)
	}
	root, err := parseCertPEM(ca.CertificatePEM)
	if err != nil {
		return err
	}
	leaf, err := parseCertPEM(c.CertificatePEM)
	if err != nil {
		return err
	}
	if err := leaf.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrSignatureMismatch, err)
	}
	if fmt.Sprintf("%x", leaf.SerialNumber) != c.SerialNumber {
		return fmt.Errorf("%w: serial mismatch", repository.ErrValidation)
	}

	att, err := attestationOf(leaf)
	if err != nil {
		return err
	}
	t, err := s.store.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return err
	}
	if att.TransactionID != t.ID ||
		subtle.ConstantTimeCompare([]byte(att.Hash), []byte(t.TransactionHash)) != 1 {
		return repository.ErrHashMismatch
	}
	return nil
}

func attestationOf(leaf *x509.Certificate) (*transferAttestation, error) {
	for _, e := range leaf.Extensions {
		if !e.Id.Equal(OIDTransferAttestation) {
			continue
		}
		var att transferAttestation
		rest, err := asn1.Unmarshal(e.Value, &att)
		if err != nil || len(rest) != 0 {
			return nil, fmt.Errorf("%w: malformed transfer attestation", repository.ErrValidation)
		}
		return &att, nil
	}
	return nil, fmt.Errorf("%w: certificate has no transfer attestation", repository.ErrValidation)
}
