package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

// Ledger son las consultas de cuentas y transferencias que expone la API.
type Ledger interface {
	Account(ctx context.Context, id string) (*repository.Account, error)
	Transaction(ctx context.Context, id string) (*repository.Transaction, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]repository.Transaction, error)
	History(ctx context.Context, txID string) ([]repository.TransactionLog, error)
}

// Authority son las consultas de la CA.
type Authority interface {
	GetCAInfo(ctx context.Context) (*repository.CertificateAuthority, error)
	GetCertificate(ctx context.Context, txID string) (*repository.Certificate, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ledger  Ledger
	CA      Authority
	Store   Pinger
	Metrics http.Handler // nil => sin /metrics
}

// NewRouter arma la superficie HTTP de sólo lectura.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(WithRequestID, WithRecover, WithLogging, WithSecurityHeaders, WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := d.Store.Ping(req.Context()); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "not_ready", "storage no disponible", 1503)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	h := &handlers{ledger: d.Ledger, ca: d.CA}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/ca", h.getCA)
		r.Get("/accounts/{id}", h.getAccount)
		r.Get("/accounts/{id}/transactions", h.listTransactions)
		r.Get("/transactions/{id}", h.getTransaction)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "ruta inexistente", 1404)
	})
	return r
}

type handlers struct {
	ledger Ledger
	ca     Authority
}

func (h *handlers) getCA(w http.ResponseWriter, r *http.Request) {
	ca, err := h.ca.GetCAInfo(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, caDTO{
		ID:             ca.ID,
		Info:           ca.Info,
		PublicKey:      ca.PublicKey,
		CertificatePEM: ca.CertificatePEM,
		Fingerprint:    ca.Fingerprint,
		KeySize:        ca.KeySize,
		EstablishedAt:  ca.EstablishedAt,
	})
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, toAccountDTO(a))
}

func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid_request", "limit debe ser un entero positivo", 1400)
			return
		}
		limit = n
	}
	if _, err := h.ledger.Account(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]transactionDTO, 0, len(txs))
	for i := range txs {
		out = append(out, toTransactionDTO(&txs[i]))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.ledger.Transaction(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	logs, err := h.ledger.History(ctx, t.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := transactionDetailDTO{transactionDTO: toTransactionDTO(t), AuditLog: make([]logDTO, 0, len(logs))}
	for _, l := range logs {
		out.AuditLog = append(out.AuditLog, logDTO{Action: string(l.Action), Details: l.Details, CreatedAt: l.CreatedAt})
	}

	c, err := h.ca.GetCertificate(ctx, t.ID)
	switch {
	case err == nil:
		out.Certificate = &certificateDTO{
			SerialNumber:   c.SerialNumber,
			CAID:           c.CAID,
			Subject:        c.Subject,
			Issuer:         c.Issuer,
			CertificatePEM: c.CertificatePEM,
			IssuedAt:       c.IssuedAt,
			ExpiresAt:      c.ExpiresAt,
		}
	case !errors.Is(err, repository.ErrNotFound):
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}
