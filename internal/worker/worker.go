// Package worker es el Transaction Verification Worker: reclama transferencias
// pending, verifica hash y firma contra la versión de clave registrada, y
// liquida o rechaza de forma atómica.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/ledgerkeys/internal/audit"
	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/metrics"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
)

// Motivos de rechazo persistidos en rejection_reason.
const (
	ReasonHashMismatch      = "hash mismatch"
	ReasonInvalidSignature  = "invalid signature"
	ReasonInsufficientFunds = "insufficient funds"
	ReasonInactiveAccount   = "inactive account"
)

// errClaimLost: la fila ya no está en processing para este worker.
var errClaimLost = errors.New("claim lost")

// PublicKeys resuelve la clave pública de una versión puntual.
type PublicKeys interface {
	PublicKeyForVersion(ctx context.Context, accountID string, version int) (string, error)
}

// Certifier emite el certificado de una transferencia aprobada.
type Certifier interface {
	IssueCertificate(ctx context.Context, txID string) (*repository.Certificate, error)
}

type Config struct {
	ID          string
	BatchSize   int
	ClaimTTL    time.Duration
	OpTimeout   time.Duration
	Concurrency int
}

// PassResult resume una pasada.
type PassResult struct {
	Claimed  int `json:"claimed"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
	Released int `json:"released"`
}

type Worker struct {
	store     repository.Store
	keys      PublicKeys
	audit     *audit.Log
	certifier Certifier
	cfg       Config
	now       func() time.Time
}

type Option func(*Worker)

// WithCertifier habilita la emisión automática de certificados tras aprobar.
func WithCertifier(c Certifier) Option { return func(w *Worker) { w.certifier = c } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func New(store repository.Store, keys PublicKeys, cfg Config, opts ...Option) *Worker {
	if cfg.ID == "" {
		cfg.ID = defaultID()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w := &Worker{
		store: store,
		keys:  keys,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(w)
	}
	w.audit = audit.New(w.now)
	return w
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (w *Worker) ID() string { return w.cfg.ID }

// RunOnce ejecuta una pasada: re-encola claims vencidos, reclama un lote y
// lo procesa. Sólo retorna error si falla el claim en sí.
func (w *Worker) RunOnce(ctx context.Context) (PassResult, error) {
	start := time.Now()
	defer func() { metrics.WorkerPassLatency.Observe(float64(time.Since(start).Milliseconds())) }()

	var res PassResult
	log := logger.From(ctx).With(logger.WorkerID(w.cfg.ID))
	ctx = logger.ToContext(ctx, log)

	released, err := w.store.ReleaseStaleClaims(ctx, w.now().Add(-w.cfg.ClaimTTL))
	if err != nil {
		log.Warn("release stale claims failed", logger.Err(err))
	} else if released > 0 {
		res.Released = released
		metrics.ClaimsReleased.Add(float64(released))
		log.Info("stale claims re-queued", logger.Count(released))
	}

	claimed, err := w.store.ClaimPending(ctx, w.cfg.ID, w.cfg.BatchSize, w.now())
	if err != nil {
		return res, fmt.Errorf("claim pending: %w", err)
	}
	res.Claimed = len(claimed)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, t := range claimed {
		g.Go(func() error {
			status, ok := w.process(ctx, t)
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case repository.TxApproved:
				res.Approved++
			case repository.TxRejected:
				res.Rejected++
			case repository.TxFailed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Claimed > 0 {
		log.Info("worker pass finished",
			logger.Int("claimed", res.Claimed), logger.Int("approved", res.Approved),
			logger.Int("rejected", res.Rejected), logger.Int("failed", res.Failed))
	}
	return res, nil
}

// Run repite RunOnce cada interval hasta que ctx se cancele. Si el lote vino
// lleno, no espera al próximo tick.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx = logger.WithFields(ctx, logger.Component("worker"))
	log := logger.From(ctx).With(logger.WorkerID(w.cfg.ID))
	log.Info("worker started", logger.Duration(interval), logger.Int("batch_size", w.cfg.BatchSize))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		res, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("worker pass failed", logger.Err(err))
		}
		if err == nil && res.Claimed >= w.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// process lleva una transacción reclamada a estado terminal. ok=false si el
// claim se perdió (otro worker la re-tomó tras vencer).
func (w *Worker) process(parent context.Context, t repository.Transaction) (repository.TxStatus, bool) {
	ctx, cancel := context.WithTimeout(parent, w.cfg.OpTimeout)
	defer cancel()
	log := logger.From(parent).With(logger.TxID(t.ID))
	ctx = logger.ToContext(ctx, log)

	reason, err := w.verify(ctx, t)
	if err == nil {
		if reason == "" {
			// settle finaliza approved, o rejected si no hay saldo
			reason, err = w.settle(ctx, t)
		} else {
			err = w.reject(ctx, t, reason)
		}
	}
	if err == nil {
		if reason == "" {
			w.finished(log, repository.TxApproved, "")
			w.certify(ctx, t.ID)
			return repository.TxApproved, true
		}
		w.finished(log, repository.TxRejected, reason)
		return repository.TxRejected, true
	}
	if errors.Is(err, errClaimLost) {
		log.Warn("claim lost before finalize", logger.Err(err))
		return "", false
	}

	// falla de infraestructura: se registra fuera de la tx revertida y con
	// un contexto propio por si venció el timeout de la operación.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.OpTimeout)
	defer fcancel()
	if ferr := w.fail(fctx, t, err); ferr != nil {
		if errors.Is(ferr, errClaimLost) {
			log.Warn("claim lost before finalize", logger.Err(ferr))
			return "", false
		}
		// queda en processing; ReleaseStaleClaims la re-encola
		log.Error("could not mark transaction failed", logger.Err(err), logger.String("finalize_error", ferr.Error()))
		return "", false
	}
	w.finished(log, repository.TxFailed, err.Error())
	return repository.TxFailed, true
}

func (w *Worker) finished(log *zap.Logger, status repository.TxStatus, reason string) {
	metrics.TransfersProcessed.WithLabelValues(string(status)).Inc()
	if reason == "" {
		log.Info("transaction "+string(status), logger.TxStatus(string(status)))
		return
	}
	log.Info("transaction "+string(status), logger.TxStatus(string(status)), logger.Reason(reason))
}

// verify recomputa el hash y verifica la firma. Retorna un motivo de rechazo
// o un error de infraestructura. El hash se compara antes de mirar estado de
// cuentas o claves.
func (w *Worker) verify(ctx context.Context, t repository.Transaction) (string, error) {
	sender, err := w.store.GetAccount(ctx, t.SenderAccountID)
	if err != nil {
		return "", fmt.Errorf("load sender: %w", err)
	}
	receiver, err := w.store.GetAccount(ctx, t.ReceiverAccountID)
	if err != nil {
		return "", fmt.Errorf("load receiver: %w", err)
	}
	h, err := signature.CheckTransferHash(signature.Transfer{
		SenderNumber:   sender.AccountNumber,
		ReceiverNumber: receiver.AccountNumber,
		Amount:         t.Amount,
		StoredHash:     t.TransactionHash,
	})
	switch {
	case errors.Is(err, repository.ErrHashMismatch), errors.Is(err, repository.ErrValidation):
		// los campos almacenados ya no canonicalizan: el hash no puede coincidir
		return ReasonHashMismatch, nil
	case err != nil:
		return "", err
	}
	if !sender.Active || !receiver.Active {
		return ReasonInactiveAccount, nil
	}

	pub, reason, err := w.signerKey(ctx, t)
	if err != nil || reason != "" {
		return reason, err
	}
	err = signature.VerifyHashSignature(h, t.DigitalSignature, pub)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, repository.ErrSignatureMismatch), errors.Is(err, repository.ErrMalformedKey):
		return ReasonInvalidSignature, nil
	default:
		return "", err
	}
}

// signerKey resuelve la clave pública que firmó: la sesión efímera registrada
// o la versión de clave del emisor. La sesión debe ser del emisor y haber
// estado vigente al momento del envío; si no, la firma no cuenta.
func (w *Worker) signerKey(ctx context.Context, t repository.Transaction) (string, string, error) {
	if t.SessionID == nil {
		pub, err := w.keys.PublicKeyForVersion(ctx, t.SenderAccountID, t.SenderKeyVersion)
		if err != nil {
			return "", "", fmt.Errorf("sender key v%d: %w", t.SenderKeyVersion, err)
		}
		return pub, "", nil
	}
	k, err := w.store.GetEphemeralKey(ctx, *t.SessionID)
	if err != nil {
		return "", "", fmt.Errorf("ephemeral session %s: %w", *t.SessionID, err)
	}
	if k.AccountID != t.SenderAccountID || t.CreatedAt.Before(k.CreatedAt) || !t.CreatedAt.Before(k.ExpiresAt) {
		return "", ReasonInvalidSignature, nil
	}
	return k.PublicKey, "", nil
}

func signerLabel(t repository.Transaction) string {
	if t.SessionID != nil {
		return "ephemeral session " + *t.SessionID
	}
	return fmt.Sprintf("key version %d", t.SenderKeyVersion)
}

// settle liquida en una única tx: bloquea ambas cuentas en orden ascendente,
// debita, acredita, finaliza y audita. Si no hay saldo, finaliza como
// rechazada en la misma tx.
func (w *Worker) settle(ctx context.Context, t repository.Transaction) (string, error) {
	var reason string
	err := w.store.WithTx(ctx, func(tx repository.Store) error {
		locked, err := tx.LockAccounts(ctx, t.SenderAccountID, t.ReceiverAccountID)
		if err != nil {
			return err
		}
		var sender, receiver *repository.Account
		for i := range locked {
			switch locked[i].ID {
			case t.SenderAccountID:
				sender = &locked[i]
			case t.ReceiverAccountID:
				receiver = &locked[i]
			}
		}
		if sender == nil || receiver == nil {
			return fmt.Errorf("lock accounts: %w", repository.ErrNotFound)
		}

		now := w.now()
		if sender.Balance.LessThan(t.Amount) {
			reason = ReasonInsufficientFunds
			if err := w.finalize(ctx, tx, t.ID, repository.TxRejected, reason, now); err != nil {
				return err
			}
			return w.audit.Record(ctx, tx, t.ID, repository.LogRejected, reason)
		}

		if err := tx.UpdateBalance(ctx, sender.ID, sender.Balance.Sub(t.Amount)); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, receiver.ID, receiver.Balance.Add(t.Amount)); err != nil {
			return err
		}
		if err := w.finalize(ctx, tx, t.ID, repository.TxApproved, "", now); err != nil {
			return err
		}
		if err := w.audit.Record(ctx, tx, t.ID, repository.LogVerified,
			"signature verified with "+signerLabel(t)); err != nil {
			return err
		}
		return w.audit.Record(ctx, tx, t.ID, repository.LogApproved,
			"settled "+t.Amount.StringFixed(signature.AmountScale))
	})
	if err != nil {
		return "", err
	}
	return reason, nil
}

func (w *Worker) finalize(ctx context.Context, tx repository.Store, id string, status repository.TxStatus, reason string, at time.Time) error {
	err := tx.FinalizeTransaction(ctx, id, w.cfg.ID, status, reason, at)
	if errors.Is(err, repository.ErrInvalidState) {
		return fmt.Errorf("%w: %v", errClaimLost, err)
	}
	return err
}

func (w *Worker) reject(ctx context.Context, t repository.Transaction, reason string) error {
	return w.store.WithTx(ctx, func(tx repository.Store) error {
		if err := w.finalize(ctx, tx, t.ID, repository.TxRejected, reason, w.now()); err != nil {
			return err
		}
		return w.audit.Record(ctx, tx, t.ID, repository.LogRejected, reason)
	})
}

func (w *Worker) fail(ctx context.Context, t repository.Transaction, cause error) error {
	return w.store.WithTx(ctx, func(tx repository.Store) error {
		if err := w.finalize(ctx, tx, t.ID, repository.TxFailed, cause.Error(), w.now()); err != nil {
			return err
		}
		return w.audit.Record(ctx, tx, t.ID, repository.LogFailed, cause.Error())
	})
}

// certify emite el certificado si está habilitado. Un fallo no cambia el
// estado. ctx ya trae el logger con tx_id.
func (w *Worker) certify(ctx context.Context, txID string) {
	if w.certifier == nil {
		return
	}
	if _, err := w.certifier.IssueCertificate(ctx, txID); err != nil {
		logger.From(ctx).Warn("auto-certify failed", logger.Err(err))
	}
}
