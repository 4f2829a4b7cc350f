package ca

import (
	"context"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/keystore"
	"github.com/dropDatabas3/ledgerkeys/internal/security/secretbox"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
	"github.com/dropDatabas3/ledgerkeys/internal/store/memory"
)

var testInfo = repository.CAInfo{
	Name:               "Test Root CA",
	Organization:       "Ledger",
	OrganizationalUnit: "Integrity",
	Country:            "AR",
	Email:              "ca@example.com",
}

type fixture struct {
	store *memory.Store
	keys  *keystore.Service
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	master := make([]byte, 32)
	master[0] = 7
	accBox, err := secretbox.New(master, secretbox.PurposeAccountKeys)
	require.NoError(t, err)
	caBox, err := secretbox.New(master, secretbox.PurposeCAKeys)
	require.NoError(t, err)

	st := memory.New()
	keys := keystore.New(st, accBox)
	return &fixture{
		store: st,
		keys:  keys,
		svc:   New(st, caBox, keys, Config{CertValidity: 24 * time.Hour}, nil),
	}
}

// approvedTransfer crea dos cuentas con clave y una transferencia aprobada
// firmada con la versión 1 del emisor.
func (f *fixture) approvedTransfer(t *testing.T) *repository.Transaction {
	t.Helper()
	ctx := context.Background()
	sender := &repository.Account{UserID: "u1", AccountNumber: "100200300400", Balance: decimal.NewFromInt(1000), Active: true}
	receiver := &repository.Account{UserID: "u2", AccountNumber: "500600700800", Balance: decimal.Zero, Active: true}
	require.NoError(t, f.store.CreateAccount(ctx, sender))
	require.NoError(t, f.store.CreateAccount(ctx, receiver))

	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	_, err = f.keys.ProvisionKeyPair(ctx, sender.ID, kp.PublicPEM, "")
	require.NoError(t, err)

	priv, err := signature.ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)
	amount := decimal.RequireFromString("250.00")
	hash, sig, err := signature.SignTransfer(sender.AccountNumber, receiver.AccountNumber, amount, priv)
	require.NoError(t, err)

	tx := &repository.Transaction{
		SenderAccountID:   sender.ID,
		ReceiverAccountID: receiver.ID,
		Amount:            amount,
		TransactionHash:   hash,
		DigitalSignature:  sig,
		SenderKeyVersion:  1,
		Status:            repository.TxApproved,
	}
	require.NoError(t, f.store.InsertTransaction(ctx, tx))
	return tx
}

func TestInitializeCA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	exists, err := f.svc.CAKeysExist(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	ca, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)
	require.Empty(t, ca.PrivateKey, "private key must not leave the service")
	require.Len(t, ca.Fingerprint, 64)
	require.Equal(t, signature.KeySizeBits, ca.KeySize)

	root, err := parseCertPEM(ca.CertificatePEM)
	require.NoError(t, err)
	require.True(t, root.IsCA)
	require.Equal(t, "Test Root CA", root.Subject.CommonName)
	require.NoError(t, root.CheckSignatureFrom(root), "root must be self-signed")

	exists, err = f.svc.CAKeysExist(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	stored, err := f.store.GetActiveCA(ctx)
	require.NoError(t, err)
	require.NotContains(t, stored.PrivateKey, "PRIVATE KEY")
}

func TestInitializeCA_ConflictWithoutForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)

	_, err = f.svc.InitializeCA(ctx, testInfo, false)
	require.ErrorIs(t, err, repository.ErrConflict)

	second, err := f.svc.InitializeCA(ctx, testInfo, true)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	all, err := f.svc.ListAuthorities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	active := 0
	for _, a := range all {
		require.Empty(t, a.PrivateKey)
		if a.Active {
			active++
			require.Equal(t, second.ID, a.ID)
		}
	}
	require.Equal(t, 1, active)

	info, err := f.svc.GetCAInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, info.ID)
}

func TestInitializeCA_ConcurrentInitsLeaveOneActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.InitializeCA(ctx, testInfo, false); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)

	all, err := f.store.ListCAs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestInitializeCA_RequiresName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.InitializeCA(context.Background(), repository.CAInfo{}, false)
	require.ErrorIs(t, err, repository.ErrValidation)
}

func TestIssueCertificate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.approvedTransfer(t)

	_, err := f.svc.IssueCertificate(ctx, tx.ID)
	require.ErrorIs(t, err, repository.ErrNotFound, "no active CA yet")

	ca, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)

	cert, err := f.svc.IssueCertificate(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, ca.ID, cert.CAID)
	require.Equal(t, tx.ID, cert.TransactionID)
	require.True(t, cert.ExpiresAt.After(cert.IssuedAt))

	leaf, err := parseCertPEM(cert.CertificatePEM)
	require.NoError(t, err)
	require.Equal(t, "txn-"+tx.ID, leaf.Subject.CommonName)
	require.Equal(t, []string{"100200300400"}, leaf.Subject.Organization)
	require.Equal(t, []string{"500600700800"}, leaf.Subject.OrganizationalUnit)
	require.Equal(t, x509.Ed25519, leaf.PublicKeyAlgorithm)

	att, err := attestationOf(leaf)
	require.NoError(t, err)
	require.Equal(t, tx.TransactionHash, att.Hash)
	require.Equal(t, "250.00", att.Amount)
	require.Equal(t, 1, att.KeyVersion)

	require.NoError(t, f.svc.VerifyCertificate(ctx, cert))

	again, err := f.svc.IssueCertificate(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, cert.SerialNumber, again.SerialNumber, "issuance must be idempotent")
}

func TestIssueCertificate_RequiresApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)

	tx := f.approvedTransfer(t)
	pending := *tx
	pending.ID = ""
	pending.Status = repository.TxPending
	require.NoError(t, f.store.InsertTransaction(ctx, &pending))

	_, err = f.svc.IssueCertificate(ctx, pending.ID)
	require.ErrorIs(t, err, repository.ErrInvalidState)

	_, err = f.svc.IssueCertificate(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVerifyCertificate_SurvivesCARegeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)
	tx := f.approvedTransfer(t)
	cert, err := f.svc.IssueCertificate(ctx, tx.ID)
	require.NoError(t, err)

	_, err = f.svc.InitializeCA(ctx, testInfo, true)
	require.NoError(t, err)

	require.NoError(t, f.svc.VerifyCertificate(ctx, cert), "retired CA still verifies what it signed")
}

func TestIssueCertificate_AfterForcedRegeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	oldCA, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)

	early := f.approvedTransfer(t)
	earlyCert, err := f.svc.IssueCertificate(ctx, early.ID)
	require.NoError(t, err)
	require.Equal(t, oldCA.ID, earlyCert.CAID)

	// aprobada con la CA vieja activa, certificada después de regenerar
	late := *early
	late.ID = ""
	require.NoError(t, f.store.InsertTransaction(ctx, &late))

	newCA, err := f.svc.InitializeCA(ctx, testInfo, true)
	require.NoError(t, err)
	require.NotEqual(t, oldCA.ID, newCA.ID)

	lateCert, err := f.svc.IssueCertificate(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, newCA.ID, lateCert.CAID)
	require.NoError(t, f.svc.VerifyCertificate(ctx, lateCert))

	retired, err := f.store.GetCA(ctx, oldCA.ID)
	require.NoError(t, err)
	require.False(t, retired.Active)
	require.NotNil(t, retired.DeactivatedAt)

	all, err := f.svc.ListAuthorities(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, a := range all {
		ids[a.ID] = a.Active
	}
	require.Equal(t, map[string]bool{oldCA.ID: false, newCA.ID: true}, ids)

	require.NoError(t, f.svc.VerifyCertificate(ctx, earlyCert))
	again, err := f.svc.IssueCertificate(ctx, early.ID)
	require.NoError(t, err)
	require.Equal(t, oldCA.ID, again.CAID, "existing certificates keep their issuer")
}

func TestVerifyCertificate_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)
	tx := f.approvedTransfer(t)
	cert, err := f.svc.IssueCertificate(ctx, tx.ID)
	require.NoError(t, err)

	// certificado firmado por otra CA presentado como de la primera
	other := newFixture(t)
	_, err = other.svc.InitializeCA(ctx, testInfo, false)
	require.NoError(t, err)
	otx := other.approvedTransfer(t)
	foreign, err := other.svc.IssueCertificate(ctx, otx.ID)
	require.NoError(t, err)

	forged := *cert
	forged.CertificatePEM = foreign.CertificatePEM
	require.ErrorIs(t, f.svc.VerifyCertificate(ctx, &forged), repository.ErrSignatureMismatch)
}
