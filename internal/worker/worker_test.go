package worker

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/keystore"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
	"github.com/dropDatabas3/ledgerkeys/internal/store/memory"
)

type party struct {
	acc  *repository.Account
	priv ed25519.PrivateKey
}

type fixture struct {
	store *memory.Store
	keys  *keystore.Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	f.keys = keystore.New(f.store, nil, keystore.WithClock(f.clock))
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) worker(id string, opts ...Option) *Worker {
	opts = append([]Option{WithClock(f.clock)}, opts...)
	return New(f.store, f.keys, Config{ID: id, BatchSize: 10, ClaimTTL: time.Minute, OpTimeout: time.Second}, opts...)
}

func (f *fixture) party(t *testing.T, number string, balance string) *party {
	t.Helper()
	ctx := context.Background()
	acc := &repository.Account{
		UserID:        "user-" + number,
		AccountNumber: number,
		Balance:       decimal.RequireFromString(balance),
		Active:        true,
	}
	require.NoError(t, f.store.CreateAccount(ctx, acc))
	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	// custodia externa: el test conserva la privada
	_, err = f.keys.ProvisionKeyPair(ctx, acc.ID, kp.PublicPEM, "")
	require.NoError(t, err)
	priv, err := signature.ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)
	acc, err = f.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	return &party{acc: acc, priv: priv}
}

// rotate instala una nueva clave externa y retorna la privada.
func (f *fixture) rotate(t *testing.T, p *party) {
	t.Helper()
	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	_, err = f.keys.RotateKeyPair(context.Background(), p.acc.ID, kp.PublicPEM, "")
	require.NoError(t, err)
	p.priv, err = signature.ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)
	p.acc, err = f.store.GetAccount(context.Background(), p.acc.ID)
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, from, to *party, amount string) *repository.Transaction {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	hash, sig, err := signature.SignTransfer(from.acc.AccountNumber, to.acc.AccountNumber, amt, from.priv)
	require.NoError(t, err)
	tx := &repository.Transaction{
		SenderAccountID:   from.acc.ID,
		ReceiverAccountID: to.acc.ID,
		Amount:            amt,
		TransactionHash:   hash,
		DigitalSignature:  sig,
		SenderKeyVersion:  from.acc.KeyVersion,
		Status:            repository.TxPending,
		CreatedAt:         f.now,
	}
	require.NoError(t, f.store.InsertTransaction(context.Background(), tx))
	f.now = f.now.Add(time.Millisecond)
	return tx
}

func (f *fixture) balance(t *testing.T, p *party) string {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), p.acc.ID)
	require.NoError(t, err)
	return a.Balance.StringFixed(2)
}

func (f *fixture) tx(t *testing.T, id string) *repository.Transaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func actions(t *testing.T, st *memory.Store, txID string) []repository.LogAction {
	t.Helper()
	logs, err := st.ListLogs(context.Background(), txID)
	require.NoError(t, err)
	out := make([]repository.LogAction, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func TestRunOnce_ApprovesValidTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "100000000001", "1000.00")
	b := f.party(t, "100000000002", "0.00")
	tx := f.submit(t, a, b, "250.00")

	res, err := f.worker("w1").RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, PassResult{Claimed: 1, Approved: 1}, res)

	got := f.tx(t, tx.ID)
	require.Equal(t, repository.TxApproved, got.Status)
	require.NotNil(t, got.ApprovedAt)
	require.Nil(t, got.RejectionReason)
	require.Equal(t, "750.00", f.balance(t, a))
	require.Equal(t, "250.00", f.balance(t, b))
	require.Equal(t, []repository.LogAction{repository.LogVerified, repository.LogApproved}, actions(t, f.store, tx.ID))
}

func TestRunOnce_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		balance string
		amount  string
		mutate  func(tx *repository.Transaction)
		reason  string
	}{
		{
			name:    "corrupted signature",
			balance: "1000.00",
			amount:  "250.00",
			mutate: func(tx *repository.Transaction) {
				raw, _ := signature.DecodeSignature(tx.DigitalSignature)
				raw[0] ^= 0x01
				tx.DigitalSignature = base64.StdEncoding.EncodeToString(raw)
			},
			reason: ReasonInvalidSignature,
		},
		{
			name:    "tampered amount",
			balance: "1000.00",
			amount:  "250.00",
			mutate:  func(tx *repository.Transaction) { tx.Amount = decimal.RequireFromString("25.00") },
			reason:  ReasonHashMismatch,
		},
		{
			name:    "tampered hash on a missing key version",
			balance: "1000.00",
			amount:  "250.00",
			mutate: func(tx *repository.Transaction) {
				tx.TransactionHash = "00"
				tx.SenderKeyVersion = 9
			},
			reason: ReasonHashMismatch,
		},
		{
			name:    "insufficient funds",
			balance: "100.00",
			amount:  "500.00",
			reason:  ReasonInsufficientFunds,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			a := f.party(t, "200000000001", tc.balance)
			b := f.party(t, "200000000002", "0.00")

			amt := decimal.RequireFromString(tc.amount)
			hash, sig, err := signature.SignTransfer(a.acc.AccountNumber, b.acc.AccountNumber, amt, a.priv)
			require.NoError(t, err)
			tx := &repository.Transaction{
				SenderAccountID: a.acc.ID, ReceiverAccountID: b.acc.ID, Amount: amt,
				TransactionHash: hash, DigitalSignature: sig, SenderKeyVersion: 1,
				Status: repository.TxPending,
			}
			if tc.mutate != nil {
				tc.mutate(tx)
			}
			require.NoError(t, f.store.InsertTransaction(ctx, tx))

			res, err := f.worker("w1").RunOnce(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, res.Rejected)

			got := f.tx(t, tx.ID)
			require.Equal(t, repository.TxRejected, got.Status)
			require.NotNil(t, got.RejectionReason)
			require.Equal(t, tc.reason, *got.RejectionReason)
			require.NotNil(t, got.RejectedAt)
			require.Equal(t, tc.balance, f.balance(t, a), "balances must not move")
			require.Equal(t, "0.00", f.balance(t, b))
			require.Equal(t, []repository.LogAction{repository.LogRejected}, actions(t, f.store, tx.ID))
		})
	}
}

func TestRunOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "300000000001", "1000.00")
	b := f.party(t, "300000000002", "0.00")
	tx := f.submit(t, a, b, "250.00")

	w := f.worker("w1")
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Claimed)
	require.Equal(t, "750.00", f.balance(t, a))
	require.Len(t, actions(t, f.store, tx.ID), 2)

	// un finalize tardío sobre una fila terminal no tiene efecto
	err = f.store.FinalizeTransaction(ctx, tx.ID, "w1", repository.TxRejected, "late", f.now)
	require.ErrorIs(t, err, repository.ErrInvalidState)
	require.Equal(t, repository.TxApproved, f.tx(t, tx.ID).Status)
}

func TestRunOnce_VerifiesAgainstRecordedKeyVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "400000000001", "1000.00")
	b := f.party(t, "400000000002", "0.00")

	before := f.submit(t, a, b, "100.00") // firmada con v1
	f.rotate(t, a)
	require.Equal(t, 2, a.acc.KeyVersion)
	after := f.submit(t, a, b, "50.00") // firmada con v2

	res, err := f.worker("w1").RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Approved)
	require.Equal(t, repository.TxApproved, f.tx(t, before.ID).Status)
	require.Equal(t, repository.TxApproved, f.tx(t, after.ID).Status)
	require.Equal(t, "850.00", f.balance(t, a))
}

func TestRunOnce_MissingKeyVersionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "500000000001", "1000.00")
	b := f.party(t, "500000000002", "0.00")
	// firmada bien pero apuntando a una versión inexistente (p.ej. borrada
	// tras el período de gracia)
	amt := decimal.RequireFromString("10.00")
	hash, sig, err := signature.SignTransfer(a.acc.AccountNumber, b.acc.AccountNumber, amt, a.priv)
	require.NoError(t, err)
	tx := &repository.Transaction{
		SenderAccountID: a.acc.ID, ReceiverAccountID: b.acc.ID, Amount: amt,
		TransactionHash: hash, DigitalSignature: sig, SenderKeyVersion: 9,
		Status: repository.TxPending,
	}
	require.NoError(t, f.store.InsertTransaction(ctx, tx))

	res, err := f.worker("w1").RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	got := f.tx(t, tx.ID)
	require.Equal(t, repository.TxFailed, got.Status)
	require.Equal(t, "1000.00", f.balance(t, a))
	require.Equal(t, []repository.LogAction{repository.LogFailed}, actions(t, f.store, tx.ID))
}

// session registra una clave efímera para p y retorna su privada.
func (f *fixture) session(t *testing.T, p *party, ttl time.Duration) (*repository.EphemeralKey, ed25519.PrivateKey) {
	t.Helper()
	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	k := &repository.EphemeralKey{
		SessionID: "sess-" + p.acc.AccountNumber,
		UserID:    p.acc.UserID,
		AccountID: p.acc.ID,
		PublicKey: kp.PublicPEM,
		ExpiresAt: f.now.Add(ttl),
		Active:    true,
		CreatedAt: f.now,
	}
	require.NoError(t, f.store.InsertEphemeralKey(context.Background(), k))
	priv, err := signature.ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)
	return k, priv
}

func TestRunOnce_EphemeralSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "510000000001", "1000.00")
	b := f.party(t, "510000000002", "0.00")
	k, priv := f.session(t, a, 10*time.Minute)
	foreign, _ := f.session(t, b, 10*time.Minute)

	insert := func(sessionID string, createdAt time.Time) *repository.Transaction {
		amt := decimal.RequireFromString("10.00")
		hash, sig, err := signature.SignTransfer(a.acc.AccountNumber, b.acc.AccountNumber, amt, priv)
		require.NoError(t, err)
		sid := sessionID
		tx := &repository.Transaction{
			SenderAccountID: a.acc.ID, ReceiverAccountID: b.acc.ID, Amount: amt,
			TransactionHash: hash, DigitalSignature: sig, SenderKeyVersion: 1,
			SessionID: &sid, Status: repository.TxPending, CreatedAt: createdAt,
		}
		require.NoError(t, f.store.InsertTransaction(ctx, tx))
		return tx
	}

	ok := insert(k.SessionID, f.now.Add(time.Second))
	lateSubmit := insert(k.SessionID, k.ExpiresAt)
	wrongOwner := insert(foreign.SessionID, f.now.Add(2*time.Second))
	unknown := insert("sess-gone", f.now.Add(3*time.Second))

	// la sesión vence antes de que corra el worker: cuenta el momento del envío
	f.now = k.ExpiresAt.Add(time.Hour)
	res, err := f.worker("w1").RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, PassResult{Claimed: 4, Approved: 1, Rejected: 2, Failed: 1}, res)

	require.Equal(t, repository.TxApproved, f.tx(t, ok.ID).Status)
	require.Equal(t, ReasonInvalidSignature, *f.tx(t, lateSubmit.ID).RejectionReason)
	require.Equal(t, ReasonInvalidSignature, *f.tx(t, wrongOwner.ID).RejectionReason)
	require.Equal(t, repository.TxFailed, f.tx(t, unknown.ID).Status)
	require.Equal(t, "990.00", f.balance(t, a))

	logs, err := f.store.ListLogs(ctx, ok.ID)
	require.NoError(t, err)
	require.Contains(t, logs[0].Details, "ephemeral session "+k.SessionID)
}

func TestRunOnce_ReleasesStaleClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "600000000001", "1000.00")
	b := f.party(t, "600000000002", "0.00")
	tx := f.submit(t, a, b, "1.00")

	// un worker muerto la reclamó y nunca terminó
	claimed, err := f.store.ClaimPending(ctx, "ghost", 10, f.now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w := f.worker("w1")
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Claimed, "claim still fresh")

	f.now = f.now.Add(2 * time.Minute)
	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)
	require.Equal(t, 1, res.Approved)
	require.Equal(t, repository.TxApproved, f.tx(t, tx.ID).Status)

	err = f.store.FinalizeTransaction(ctx, tx.ID, "ghost", repository.TxFailed, "zombie", f.now)
	require.ErrorIs(t, err, repository.ErrInvalidState, "the original claimant lost ownership")
}

func TestRunOnce_ConcurrentWorkersNeverDoubleSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "700000000001", "100.00")
	b := f.party(t, "700000000002", "0.00")
	const n = 20
	for i := 0; i < n; i++ {
		f.submit(t, a, b, "10.00")
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total PassResult
	)
	for i := 0; i < 4; i++ {
		w := New(f.store, f.keys, Config{ID: "w" + string(rune('a'+i)), BatchSize: 3, OpTimeout: time.Second, Concurrency: 2},
			WithClock(f.clock))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := w.RunOnce(ctx)
				if err != nil || res.Claimed == 0 {
					return
				}
				mu.Lock()
				total.Claimed += res.Claimed
				total.Approved += res.Approved
				total.Rejected += res.Rejected
				total.Failed += res.Failed
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, n, total.Claimed, "every transfer claimed exactly once")
	require.Equal(t, 10, total.Approved)
	require.Equal(t, 10, total.Rejected)
	require.Zero(t, total.Failed)
	require.Equal(t, "0.00", f.balance(t, a))
	require.Equal(t, "100.00", f.balance(t, b))
}

type fakeCertifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCertifier) IssueCertificate(_ context.Context, txID string) (*repository.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, txID)
	if c.err != nil {
		return nil, c.err
	}
	return &repository.Certificate{TransactionID: txID}, nil
}

func TestRunOnce_AutoCertify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.party(t, "800000000001", "1000.00")
	b := f.party(t, "800000000002", "0.00")
	ok := f.submit(t, a, b, "10.00")
	f.submit(t, a, b, "5000.00") // rechazada: no se certifica

	cert := &fakeCertifier{err: errors.New("CA offline")}
	res, err := f.worker("w1", WithCertifier(cert)).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Approved)
	require.Equal(t, 1, res.Rejected)
	require.Equal(t, []string{ok.ID}, cert.calls)
	require.Equal(t, repository.TxApproved, f.tx(t, ok.ID).Status, "issuance failure never changes status")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker("w1").Run(ctx, time.Hour) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
