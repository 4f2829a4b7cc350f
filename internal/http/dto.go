package http

import (
	"time"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

// Los tipos del repositorio no llevan tags JSON; estas vistas definen el
// contrato de la API. Montos siempre como string con dos decimales.

type accountDTO struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	Balance       string    `json:"balance"`
	Active        bool      `json:"active"`
	PublicKey     string    `json:"public_key"`
	KeyVersion    int       `json:"key_version"`
	KeyRotatedAt  time.Time `json:"key_rotated_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func toAccountDTO(a *repository.Account) accountDTO {
	return accountDTO{
		ID:            a.ID,
		UserID:        a.UserID,
		AccountNumber: a.AccountNumber,
		Balance:       a.Balance.StringFixed(2),
		Active:        a.Active,
		PublicKey:     a.PublicKey,
		KeyVersion:    a.KeyVersion,
		KeyRotatedAt:  a.KeyRotatedAt,
		CreatedAt:     a.CreatedAt,
	}
}

type transactionDTO struct {
	ID                string     `json:"id"`
	SenderAccountID   string     `json:"sender_account_id"`
	ReceiverAccountID string     `json:"receiver_account_id"`
	Amount            string     `json:"amount"`
	TransactionHash   string     `json:"transaction_hash"`
	DigitalSignature  string     `json:"digital_signature"`
	SenderKeyVersion  int        `json:"sender_key_version"`
	SessionID         *string    `json:"session_id,omitempty"`
	Status            string     `json:"status"`
	RejectionReason   *string    `json:"rejection_reason,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toTransactionDTO(t *repository.Transaction) transactionDTO {
	return transactionDTO{
		ID:                t.ID,
		SenderAccountID:   t.SenderAccountID,
		ReceiverAccountID: t.ReceiverAccountID,
		Amount:            t.Amount.StringFixed(2),
		TransactionHash:   t.TransactionHash,
		DigitalSignature:  t.DigitalSignature,
		SenderKeyVersion:  t.SenderKeyVersion,
		SessionID:         t.SessionID,
		Status:            string(t.Status),
		RejectionReason:   t.RejectionReason,
		ApprovedAt:        t.ApprovedAt,
		RejectedAt:        t.RejectedAt,
		CreatedAt:         t.CreatedAt,
	}
}

type logDTO struct {
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type certificateDTO struct {
	SerialNumber   string    `json:"serial_number"`
	CAID           string    `json:"ca_id"`
	Subject        string    `json:"subject"`
	Issuer         string    `json:"issuer"`
	CertificatePEM string    `json:"certificate_pem"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type transactionDetailDTO struct {
	transactionDTO
	AuditLog    []logDTO        `json:"audit_log"`
	Certificate *certificateDTO `json:"certificate,omitempty"`
}

type caDTO struct {
	ID             string            `json:"id"`
	Info           repository.CAInfo `json:"info"`
	PublicKey      string            `json:"public_key"`
	CertificatePEM string            `json:"certificate_pem"`
	Fingerprint    string            `json:"fingerprint"`
	KeySize        int               `json:"key_size"`
	EstablishedAt  time.Time         `json:"established_at"`
}
