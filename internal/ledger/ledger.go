// Package ledger es la superficie de colaboración: alta de cuentas, firma y
// envío de transferencias, y consultas. La verificación y liquidación quedan
// a cargo del worker.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dropDatabas3/ledgerkeys/internal/audit"
	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/keystore"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/signature"
)

const (
	accountNumberDigits = 12
	maxNumberAttempts   = 10
)

type Service struct {
	store repository.Store
	keys  *keystore.Service
	audit *audit.Log
	now   func() time.Time
}

func New(store repository.Store, keys *keystore.Service) *Service {
	return &Service{store: store, keys: keys, audit: audit.New(keys.Now), now: keys.Now}
}

// OpenAccountRequest. PrivateKeyPEM vacío => custodia externa.
type OpenAccountRequest struct {
	UserID         string
	PublicKeyPEM   string
	PrivateKeyPEM  string
	InitialBalance decimal.Decimal
}

// errNumberTaken distingue el choque de número de cuenta de otros conflictos.
var errNumberTaken = errors.New("account number taken")

func randomAccountNumber() (string, error) {
	// primer dígito != 0 para que el número tenga siempre 12 dígitos
	lo := new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberDigits-1), nil)
	span := new(big.Int).Sub(new(big.Int).Mul(lo, big.NewInt(10)), lo)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", err
	}
	return n.Add(n, lo).String(), nil
}

// OpenAccount crea la cuenta con un número aleatorio único y provisiona su
// par de claves (versión 1) en la misma tx.
func (s *Service) OpenAccount(ctx context.Context, req OpenAccountRequest) (*repository.Account, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", repository.ErrValidation)
	}
	if req.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance cannot be negative", repository.ErrValidation)
	}
	if !req.InitialBalance.Equal(req.InitialBalance.Round(signature.AmountScale)) {
		return nil, fmt.Errorf("%w: balance has more than %d decimals", repository.ErrValidation, signature.AmountScale)
	}

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := randomAccountNumber()
		if err != nil {
			return nil, fmt.Errorf("%w: account number: %v", repository.ErrInfrastructure, err)
		}
		acc := &repository.Account{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			AccountNumber: number,
			Balance:       req.InitialBalance,
			Active:        true,
			CreatedAt:     s.now(),
		}
		err = s.store.WithTx(ctx, func(tx repository.Store) error {
			if err := tx.CreateAccount(ctx, acc); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return fmt.Errorf("%w: %v", errNumberTaken, err)
				}
				return err
			}
			_, err := s.keys.ProvisionIn(ctx, tx, acc.ID, req.PublicKeyPEM, req.PrivateKeyPEM)
			return err
		})
		if errors.Is(err, errNumberTaken) {
			logger.From(ctx).Debug("account number collision, retrying", logger.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.From(ctx).Info("account opened", logger.AccountID(acc.ID), logger.UserID(req.UserID))
		return s.store.GetAccount(ctx, acc.ID)
	}
	return nil, fmt.Errorf("%w: no free account number after %d attempts", repository.ErrConflict, maxNumberAttempts)
}

// SubmitRequest es una transferencia ya firmada por el cliente.
type SubmitRequest struct {
	SenderAccountID   string
	ReceiverAccountID string
	Amount            decimal.Decimal
	Signature         string // base64
	SessionID         string // sesión efímera que firmó; vacío si firmó la clave de la cuenta
}

func (s *Service) parties(ctx context.Context, senderID, receiverID string) (*repository.Account, *repository.Account, error) {
	if senderID == receiverID {
		return nil, nil, fmt.Errorf("%w: sender and receiver must differ", repository.ErrValidation)
	}
	sender, err := s.store.GetAccount(ctx, senderID)
	if err != nil {
		return nil, nil, fmt.Errorf("sender %s: %w", senderID, err)
	}
	receiver, err := s.store.GetAccount(ctx, receiverID)
	if err != nil {
		return nil, nil, fmt.Errorf("receiver %s: %w", receiverID, err)
	}
	if !sender.Active || !receiver.Active {
		return nil, nil, fmt.Errorf("%w: both accounts must be active", repository.ErrValidation)
	}
	return sender, receiver, nil
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", repository.ErrValidation)
	}
	return nil
}

// SubmitTransfer registra una transferencia pending. El hash se calcula acá,
// nunca se acepta del cliente, y la versión de clave queda fijada a la
// vigente del emisor. Con SessionID la firma se verifica contra esa sesión,
// que tiene que ser del emisor y estar vigente ahora.
func (s *Service) SubmitTransfer(ctx context.Context, req SubmitRequest) (*repository.Transaction, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, err := signature.DecodeSignature(req.Signature); err != nil {
		return nil, err
	}
	sender, receiver, err := s.parties(ctx, req.SenderAccountID, req.ReceiverAccountID)
	if err != nil {
		return nil, err
	}
	var session *string
	if req.SessionID != "" {
		k, err := s.keys.ValidEphemeralKey(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if k.AccountID != sender.ID {
			return nil, fmt.Errorf("%w: session %s does not belong to sender", repository.ErrValidation, req.SessionID)
		}
		session = &k.SessionID
	}
	h, err := signature.TransferHash(sender.AccountNumber, receiver.AccountNumber, req.Amount)
	if err != nil {
		return nil, err
	}

	t := &repository.Transaction{
		ID:                uuid.NewString(),
		SenderAccountID:   sender.ID,
		ReceiverAccountID: receiver.ID,
		Amount:            req.Amount,
		TransactionHash:   signature.HashHex(h),
		DigitalSignature:  req.Signature,
		SenderKeyVersion:  sender.KeyVersion,
		SessionID:         session,
		Status:            repository.TxPending,
		CreatedAt:         s.now(),
	}
	details := fmt.Sprintf("submitted with key version %d", t.SenderKeyVersion)
	if session != nil {
		details = "submitted with ephemeral session " + *session
	}
	ctx = logger.WithFields(ctx, logger.TxID(t.ID))
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, t.ID, repository.LogCreated, details)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SignTransfer firma con la clave privada custodiada por la plataforma.
func (s *Service) SignTransfer(ctx context.Context, senderID, receiverID string, amount decimal.Decimal) (string, error) {
	if err := validAmount(amount); err != nil {
		return "", err
	}
	sender, receiver, err := s.parties(ctx, senderID, receiverID)
	if err != nil {
		return "", err
	}
	kp, err := s.keys.GetActiveKey(ctx, sender.ID)
	if err != nil {
		return "", err
	}
	priv, err := s.keys.PrivateKey(kp)
	if err != nil {
		return "", err
	}
	_, sig, err := signature.SignTransfer(sender.AccountNumber, receiver.AccountNumber, amount, priv)
	return sig, err
}

// SignTransferWithEphemeral firma con una clave de sesión. La privada la
// trae el cliente y debe corresponder a la pública registrada. La firma se
// envía con SubmitRequest.SessionID = sessionID.
func (s *Service) SignTransferWithEphemeral(ctx context.Context, sessionID, privateKeyPEM, receiverID string, amount decimal.Decimal) (string, error) {
	if err := validAmount(amount); err != nil {
		return "", err
	}
	k, err := s.keys.ValidEphemeralKey(ctx, sessionID)
	if err != nil {
		return "", err
	}
	priv, err := signature.ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return "", err
	}
	pub, err := signature.ParsePublicKeyPEM(k.PublicKey)
	if err != nil {
		return "", err
	}
	if !signature.MatchingPair(pub, priv) {
		return "", fmt.Errorf("%w: private key does not match session key", repository.ErrValidation)
	}
	sender, receiver, err := s.parties(ctx, k.AccountID, receiverID)
	if err != nil {
		return "", err
	}
	_, sig, err := signature.SignTransfer(sender.AccountNumber, receiver.AccountNumber, amount, priv)
	if err != nil {
		return "", err
	}
	logger.From(ctx).Debug("transfer signed with ephemeral key",
		logger.SessionID(sessionID), logger.AccountID(sender.ID))
	return sig, nil
}

// ─── Consultas ───

func (s *Service) Account(ctx context.Context, id string) (*repository.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (s *Service) Transaction(ctx context.Context, id string) (*repository.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

func (s *Service) Transactions(ctx context.Context, accountID string, limit int) ([]repository.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListTransactionsByAccount(ctx, accountID, limit)
}

// History retorna el audit log de una transferencia.
func (s *Service) History(ctx context.Context, txID string) ([]repository.TransactionLog, error) {
	return audit.History(ctx, s.store, txID)
}
