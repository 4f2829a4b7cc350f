package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/ledgerkeys/internal/ca"
	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/keystore"
	"github.com/dropDatabas3/ledgerkeys/internal/security/secretbox"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
	"github.com/dropDatabas3/ledgerkeys/internal/store/memory"
)

type fixture struct {
	store *memory.Store
	keys  *keystore.Service
	ca    *ca.Service
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	master := make([]byte, 32)
	accBox, err := secretbox.New(master, secretbox.PurposeAccountKeys)
	require.NoError(t, err)
	caBox, err := secretbox.New(master, secretbox.PurposeCAKeys)
	require.NoError(t, err)

	f := &fixture{store: memory.New(), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.keys = keystore.New(f.store, accBox, keystore.WithClock(clock))
	f.ca = ca.New(f.store, caBox, f.keys, ca.Config{}, clock)
	f.svc = New(f.store, f.keys, f.ca, Policy{UserKeyMaxAgeDays: 90, CAKeyMaxAgeDays: 365, GracePeriodDays: 7}, clock)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) account(t *testing.T, number string, platform bool) *repository.Account {
	t.Helper()
	ctx := context.Background()
	a := &repository.Account{UserID: "u-" + number, AccountNumber: number, Balance: decimal.Zero, Active: true}
	require.NoError(t, f.store.CreateAccount(ctx, a))
	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	priv := ""
	if platform {
		priv = kp.PrivatePEM
	}
	_, err = f.keys.ProvisionKeyPair(ctx, a.ID, kp.PublicPEM, priv)
	require.NoError(t, err)
	return a
}

func TestRotateUserKey_HonorsMaxAge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, "111111111111", true)

	rotated, err := f.svc.RotateUserKey(ctx, acc.ID, false)
	require.NoError(t, err)
	require.False(t, rotated, "fresh key must not rotate")

	f.advance(90 * day)
	rotated, err = f.svc.RotateUserKey(ctx, acc.ID, false)
	require.NoError(t, err)
	require.True(t, rotated)

	active, err := f.keys.GetActiveKey(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, active.Version)

	updated, err := f.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, updated.KeyVersion)
	require.Equal(t, active.PublicKey, updated.PublicKey)

	rotated, err = f.svc.RotateUserKey(ctx, acc.ID, true)
	require.NoError(t, err)
	require.True(t, rotated, "force ignores age")

	all, err := f.keys.ListKeyPairs(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	activeCount := 0
	for _, k := range all {
		if k.IsActive() {
			activeCount++
			require.Equal(t, 3, k.Version)
		} else {
			require.NotNil(t, k.DeprecationReason)
		}
	}
	require.Equal(t, 1, activeCount)
}

func TestRotateUserKey_ExternalCustody(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, "222222222222", false)
	_, err := f.svc.RotateUserKey(context.Background(), acc.ID, true)
	require.ErrorIs(t, err, repository.ErrExternalCustody)
}

func TestRotateAccount_CountsLikeBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	external := f.account(t, "222222222223", false)
	platform := f.account(t, "222222222224", true)

	require.Equal(t, BatchResult{Skipped: 1, Errors: []string{}}, f.svc.RotateAccount(ctx, external.ID, true))
	require.Equal(t, BatchResult{Success: 1, Errors: []string{}}, f.svc.RotateAccount(ctx, platform.ID, true))
	require.Equal(t, BatchResult{Skipped: 1, Errors: []string{}}, f.svc.RotateAccount(ctx, platform.ID, false))

	res := f.svc.RotateAccount(ctx, "missing", true)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
}

func TestRotateAllExpiredKeys_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.account(t, "300000000001", true)
	f.account(t, "300000000002", true)
	f.account(t, "300000000003", false)

	// cuenta activa sin clave: falla sola
	broken := &repository.Account{UserID: "u-x", AccountNumber: "300000000004", Active: true}
	require.NoError(t, f.store.CreateAccount(ctx, broken))

	f.advance(100 * day)
	res, err := f.svc.RotateAllExpiredKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Success)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], broken.ID)

	res, err = f.svc.RotateAllExpiredKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Success, "keys just rotated are not due")
	require.Equal(t, 3, res.Skipped)
}

func TestCleanupDeprecatedKeys_AfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.account(t, "400000000001", true)

	_, err := f.svc.RotateUserKey(ctx, acc.ID, true)
	require.NoError(t, err)

	n, err := f.svc.CleanupDeprecatedKeys(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "within grace period")

	f.advance(8 * day)
	n, err = f.svc.CleanupDeprecatedKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	keys, err := f.keys.ListKeyPairs(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.True(t, keys[0].IsActive())
	require.Equal(t, 2, keys[0].Version)
}

func TestRotateCAKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.RotateCAKey(ctx, false)
	require.ErrorIs(t, err, repository.ErrNotFound)

	first, err := f.ca.InitializeCA(ctx, repository.CAInfo{Name: "Root", Organization: "Ledger"}, false)
	require.NoError(t, err)

	rotated, err := f.svc.RotateCAKey(ctx, false)
	require.NoError(t, err)
	require.False(t, rotated)

	f.advance(366 * day)
	rotated, err = f.svc.RotateCAKey(ctx, false)
	require.NoError(t, err)
	require.True(t, rotated)

	cur, err := f.ca.GetCAInfo(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, cur.ID)
	require.Equal(t, first.Info, cur.Info, "identity carries over")

	all, err := f.ca.ListAuthorities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

// approved inserta una transferencia ya aprobada entre dos cuentas con clave.
func (f *fixture) approved(t *testing.T, from, to *repository.Account) *repository.Transaction {
	t.Helper()
	amount := decimal.RequireFromString("12.50")
	h, err := signature.TransferHash(from.AccountNumber, to.AccountNumber, amount)
	require.NoError(t, err)
	tx := &repository.Transaction{
		SenderAccountID: from.ID, ReceiverAccountID: to.ID, Amount: amount,
		TransactionHash: signature.HashHex(h), DigitalSignature: "sig", SenderKeyVersion: 1,
		Status: repository.TxApproved, CreatedAt: f.now,
	}
	require.NoError(t, f.store.InsertTransaction(context.Background(), tx))
	return tx
}

func TestRotateCAKey_CertificatesAcrossRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.account(t, "600000000001", true)
	b := f.account(t, "600000000002", true)

	first, err := f.ca.InitializeCA(ctx, repository.CAInfo{Name: "Root", Organization: "Ledger"}, false)
	require.NoError(t, err)
	before := f.approved(t, a, b)
	oldCert, err := f.ca.IssueCertificate(ctx, before.ID)
	require.NoError(t, err)

	pending := f.approved(t, a, b)
	rotated, err := f.svc.RotateCAKey(ctx, true)
	require.NoError(t, err)
	require.True(t, rotated)

	cur, err := f.ca.GetCAInfo(ctx)
	require.NoError(t, err)
	cert, err := f.ca.IssueCertificate(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, cur.ID, cert.CAID)
	require.NotEqual(t, first.ID, cert.CAID)

	old, err := f.store.GetCA(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, old.Active)
	require.NoError(t, f.ca.VerifyCertificate(ctx, oldCert))
	require.NoError(t, f.ca.VerifyCertificate(ctx, cert))
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.account(t, "500000000001", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewScheduler(f.svc).Run(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
