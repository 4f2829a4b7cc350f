// Package memory implementa repository.Store en memoria (dev y tests).
//
// WithTx toma el lock global, trabaja sobre una copia del estado y la
// publica sólo si fn no falla: rollback gratis y serialización total.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

type state struct {
	accounts     map[string]repository.Account
	keyPairs     map[string]repository.KeyPair
	ephemeral    map[string]repository.EphemeralKey // por session_id
	cas          map[string]repository.CertificateAuthority
	transactions map[string]repository.Transaction
	certificates map[string]repository.Certificate // por transaction_id
	logs         []repository.TransactionLog
}

func newState() *state {
	return &state{
		accounts:     map[string]repository.Account{},
		keyPairs:     map[string]repository.KeyPair{},
		ephemeral:    map[string]repository.EphemeralKey{},
		cas:          map[string]repository.CertificateAuthority{},
		transactions: map[string]repository.Transaction{},
		certificates: map[string]repository.Certificate{},
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		accounts:     cloneMap(s.accounts),
		keyPairs:     cloneMap(s.keyPairs),
		ephemeral:    cloneMap(s.ephemeral),
		cas:          cloneMap(s.cas),
		transactions: cloneMap(s.transactions),
		certificates: cloneMap(s.certificates),
		logs:         append([]repository.TransactionLog(nil), s.logs...),
	}
}

// Store es el store en memoria.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

var _ repository.Store = (*Store)(nil)

// New crea un store vacío.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState()}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in tx: %v", repository.ErrInfrastructure, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
func (s *Store) Close() error                   { return nil }

// ─── Accounts ───

func (s *Store) CreateAccount(ctx context.Context, a *repository.Account) error {
	defer s.lock()()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	for _, ex := range s.st.accounts {
		if ex.AccountNumber == a.AccountNumber {
			return fmt.Errorf("%w: account number %s", repository.ErrConflict, a.AccountNumber)
		}
		if ex.ID == a.ID {
			return fmt.Errorf("%w: account id %s", repository.ErrConflict, a.ID)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.st.accounts[a.ID] = *a
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*repository.Account, error) {
	defer s.lock()()
	a, ok := s.st.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (s *Store) GetAccountByNumber(ctx context.Context, number string) (*repository.Account, error) {
	defer s.lock()()
	for _, a := range s.st.accounts {
		if a.AccountNumber == number {
			a := a
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]repository.Account, error) {
	defer s.lock()()
	var out []repository.Account
	for _, a := range s.st.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) LockAccounts(ctx context.Context, ids ...string) ([]repository.Account, error) {
	defer s.lock()()
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make([]repository.Account, 0, len(sorted))
	for _, id := range sorted {
		a, ok := s.st.accounts[id]
		if !ok {
			return nil, fmt.Errorf("account %s: %w", id, repository.ErrNotFound)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	defer s.lock()()
	a, ok := s.st.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance would be negative", repository.ErrInvalidState)
	}
	a.Balance = balance.Round(2)
	s.st.accounts[id] = a
	return nil
}

func (s *Store) UpdateAccountKey(ctx context.Context, id, publicKey string, version int, rotatedAt time.Time) error {
	defer s.lock()()
	a, ok := s.st.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.PublicKey = publicKey
	a.KeyVersion = version
	a.KeyRotatedAt = rotatedAt
	s.st.accounts[id] = a
	return nil
}

// ─── Key pairs ───

func (s *Store) InsertKeyPair(ctx context.Context, k *repository.KeyPair) error {
	defer s.lock()()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	for _, ex := range s.st.keyPairs {
		if ex.AccountID != k.AccountID {
			continue
		}
		if ex.Version == k.Version {
			return fmt.Errorf("%w: key version %d exists", repository.ErrConflict, k.Version)
		}
		if ex.IsActive() && k.IsActive() {
			return fmt.Errorf("%w: account already has an active key", repository.ErrConflict)
		}
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.st.keyPairs[k.ID] = *k
	return nil
}

func (s *Store) GetActiveKeyPair(ctx context.Context, accountID string) (*repository.KeyPair, error) {
	defer s.lock()()
	for _, k := range s.st.keyPairs {
		if k.AccountID == accountID && k.IsActive() {
			k := k
			return &k, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetKeyPairByVersion(ctx context.Context, accountID string, version int) (*repository.KeyPair, error) {
	defer s.lock()()
	for _, k := range s.st.keyPairs {
		if k.AccountID == accountID && k.Version == version {
			k := k
			return &k, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListKeyPairs(ctx context.Context, accountID string) ([]repository.KeyPair, error) {
	defer s.lock()()
	var out []repository.KeyPair
	for _, k := range s.st.keyPairs {
		if k.AccountID == accountID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) DeprecateKeyPair(ctx context.Context, id string, at time.Time, reason string) error {
	defer s.lock()()
	k, ok := s.st.keyPairs[id]
	if !ok || !k.IsActive() {
		return repository.ErrNotFound
	}
	k.DeprecatedAt = &at
	k.DeprecationReason = &reason
	s.st.keyPairs[id] = k
	return nil
}

func (s *Store) DeleteDeprecatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for id, k := range s.st.keyPairs {
		if k.DeprecatedAt != nil && k.DeprecatedAt.Before(cutoff) {
			delete(s.st.keyPairs, id)
			n++
		}
	}
	return n, nil
}

// ─── Ephemeral keys ───

func (s *Store) InsertEphemeralKey(ctx context.Context, k *repository.EphemeralKey) error {
	defer s.lock()()
	if _, ok := s.st.ephemeral[k.SessionID]; ok {
		return fmt.Errorf("%w: session %s", repository.ErrConflict, k.SessionID)
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.st.ephemeral[k.SessionID] = *k
	return nil
}

func (s *Store) GetEphemeralKey(ctx context.Context, sessionID string) (*repository.EphemeralKey, error) {
	defer s.lock()()
	k, ok := s.st.ephemeral[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &k, nil
}

func (s *Store) DeactivateEphemeralKey(ctx context.Context, sessionID string) error {
	defer s.lock()()
	if k, ok := s.st.ephemeral[sessionID]; ok {
		k.Active = false
		s.st.ephemeral[sessionID] = k
	}
	return nil
}

func (s *Store) DeleteExpiredEphemeralKeys(ctx context.Context, now time.Time) (int, error) {
	defer s.lock()()
	n := 0
	inFlight := map[string]bool{}
	for _, t := range s.st.transactions {
		if t.SessionID != nil && !t.Status.Terminal() {
			inFlight[*t.SessionID] = true
		}
	}
	for sid, k := range s.st.ephemeral {
		if !k.Usable(now) && !inFlight[sid] {
			delete(s.st.ephemeral, sid)
			n++
		}
	}
	return n, nil
}

// ─── Certificate authorities ───

// LockCAWriter: el lock global de WithTx ya serializa a los escritores.
func (s *Store) LockCAWriter(ctx context.Context) error { return nil }

func (s *Store) GetActiveCA(ctx context.Context) (*repository.CertificateAuthority, error) {
	defer s.lock()()
	for _, ca := range s.st.cas {
		if ca.Active {
			ca := ca
			return &ca, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetCA(ctx context.Context, id string) (*repository.CertificateAuthority, error) {
	defer s.lock()()
	ca, ok := s.st.cas[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &ca, nil
}

func (s *Store) ListCAs(ctx context.Context) ([]repository.CertificateAuthority, error) {
	defer s.lock()()
	out := make([]repository.CertificateAuthority, 0, len(s.st.cas))
	for _, ca := range s.st.cas {
		out = append(out, ca)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EstablishedAt.Before(out[j].EstablishedAt) })
	return out, nil
}

func (s *Store) InsertCA(ctx context.Context, ca *repository.CertificateAuthority) error {
	defer s.lock()()
	if ca.Active {
		for _, ex := range s.st.cas {
			if ex.Active {
				return fmt.Errorf("%w: another CA is active", repository.ErrConflict)
			}
		}
	}
	if ca.ID == "" {
		ca.ID = uuid.NewString()
	}
	s.st.cas[ca.ID] = *ca
	return nil
}

func (s *Store) DeactivateCA(ctx context.Context, id string, at time.Time) error {
	defer s.lock()()
	ca, ok := s.st.cas[id]
	if !ok {
		return repository.ErrNotFound
	}
	ca.Active = false
	ca.DeactivatedAt = &at
	s.st.cas[id] = ca
	return nil
}

// ─── Transactions ───

func (s *Store) InsertTransaction(ctx context.Context, t *repository.Transaction) error {
	defer s.lock()()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := s.st.transactions[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s", repository.ErrConflict, t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.st.transactions[t.ID] = *t
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*repository.Transaction, error) {
	defer s.lock()()
	t, ok := s.st.transactions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]repository.Transaction, error) {
	defer s.lock()()
	var out []repository.Transaction
	for _, t := range s.st.transactions {
		if t.SenderAccountID == accountID || t.ReceiverAccountID == accountID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimPending(ctx context.Context, workerID string, limit int, now time.Time) ([]repository.Transaction, error) {
	defer s.lock()()
	var pending []repository.Transaction
	for _, t := range s.st.transactions {
		if t.Status == repository.TxPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	for i := range pending {
		w, at := workerID, now
		pending[i].Status = repository.TxProcessing
		pending[i].ClaimedBy = &w
		pending[i].ClaimedAt = &at
		s.st.transactions[pending[i].ID] = pending[i]
	}
	return pending, nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for id, t := range s.st.transactions {
		if t.Status == repository.TxProcessing && t.ClaimedAt != nil && t.ClaimedAt.Before(olderThan) {
			t.Status = repository.TxPending
			t.ClaimedBy = nil
			t.ClaimedAt = nil
			s.st.transactions[id] = t
			n++
		}
	}
	return n, nil
}

func (s *Store) FinalizeTransaction(ctx context.Context, id, workerID string, status repository.TxStatus, reason string, at time.Time) error {
	defer s.lock()()
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", repository.ErrInvalidState, status)
	}
	t, ok := s.st.transactions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status != repository.TxProcessing || t.ClaimedBy == nil || *t.ClaimedBy != workerID {
		return fmt.Errorf("%w: transaction %s not claimed by %s", repository.ErrInvalidState, id, workerID)
	}
	t.Status = status
	switch status {
	case repository.TxApproved:
		t.ApprovedAt = &at
	default:
		t.RejectedAt = &at
		if reason != "" {
			r := reason
			t.RejectionReason = &r
		}
	}
	s.st.transactions[id] = t
	return nil
}

// ─── Certificates ───

func (s *Store) InsertCertificate(ctx context.Context, c *repository.Certificate) error {
	defer s.lock()()
	if _, ok := s.st.certificates[c.TransactionID]; ok {
		return fmt.Errorf("%w: transaction %s already certified", repository.ErrConflict, c.TransactionID)
	}
	for _, ex := range s.st.certificates {
		if ex.SerialNumber == c.SerialNumber {
			return fmt.Errorf("%w: serial %s", repository.ErrConflict, c.SerialNumber)
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.st.certificates[c.TransactionID] = *c
	return nil
}

func (s *Store) GetCertificateByTransaction(ctx context.Context, txID string) (*repository.Certificate, error) {
	defer s.lock()()
	c, ok := s.st.certificates[txID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetCertificateBySerial(ctx context.Context, serial string) (*repository.Certificate, error) {
	defer s.lock()()
	for _, c := range s.st.certificates {
		if c.SerialNumber == serial {
			c := c
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ─── Audit ───

func (s *Store) AppendLog(ctx context.Context, l *repository.TransactionLog) error {
	defer s.lock()()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.st.logs = append(s.st.logs, *l)
	return nil
}

func (s *Store) ListLogs(ctx context.Context, txID string) ([]repository.TransactionLog, error) {
	defer s.lock()()
	var out []repository.TransactionLog
	for _, l := range s.st.logs {
		if l.TransactionID == txID {
			out = append(out, l)
		}
	}
	return out, nil
}
