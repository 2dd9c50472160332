// Package server exposes the REST API: payment initiation and lookup,
// account provisioning, and balance queries. Handlers are thin JSON
// adapters over the orchestrator and stores.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"minibank/internal/account"
	"minibank/internal/core"
	"minibank/internal/ledger"
	"minibank/internal/observability"
	"minibank/internal/payment"
)

type Handler struct {
	orch     *core.Orchestrator
	accounts account.Store
	balances *account.Service
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewHandler(
	orch *core.Orchestrator,
	accounts account.Store,
	balances *account.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		orch:     orch,
		accounts: accounts,
		balances: balances,
		health:   health,
		metrics:  metrics,
		log:      log,
	}
}

// Router builds the mux with all API routes registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.health.ReadinessHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/accounts", h.createAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/balance", h.getBalance).Methods(http.MethodGet)
	v1.HandleFunc("/payments", h.createPayment).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}", h.getPayment).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}/entries", h.getPaymentEntries).Methods(http.MethodGet)

	return r
}

type createAccountRequest struct {
	Number     string `json:"number"`
	HolderName string `json:"holder_name"`
}

type accountResponse struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	HolderName string `json:"holder_name"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	defer h.observe("/v1/accounts")()

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "/v1/accounts", http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Number == "" || req.HolderName == "" {
		h.respondError(w, "/v1/accounts", http.StatusUnprocessableEntity, "number and holder_name are required")
		return
	}

	acct := account.NewAccount(req.Number, req.HolderName)
	if err := h.accounts.CreateAccount(r.Context(), acct); err != nil {
		h.log.Error().Err(err).Msg("create account")
		h.respondError(w, "/v1/accounts", http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, "/v1/accounts", http.StatusCreated, toAccountResponse(acct))
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	defer h.observe("/v1/accounts/{id}")()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, "/v1/accounts/{id}", http.StatusBadRequest, "invalid account id")
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			h.respondError(w, "/v1/accounts/{id}", http.StatusNotFound, "account not found")
			return
		}
		h.log.Error().Err(err).Msg("get account")
		h.respondError(w, "/v1/accounts/{id}", http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, "/v1/accounts/{id}", http.StatusOK, toAccountResponse(acct))
}

type balanceResponse struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency"`
	AvailableMinor int64  `json:"available_minor"`
	ReservedMinor  int64  `json:"reserved_minor"`
	TotalMinor     int64  `json:"total_minor"`
	Version        int64  `json:"version"`
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	defer h.observe("/v1/accounts/{id}/balance")()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, "/v1/accounts/{id}/balance", http.StatusBadRequest, "invalid account id")
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}
	if !payment.KnownCurrency(currency) {
		h.respondError(w, "/v1/accounts/{id}/balance", http.StatusUnprocessableEntity, "unknown currency")
		return
	}

	bal, err := h.balances.GetBalance(r.Context(), id, currency)
	if err != nil {
		h.log.Error().Err(err).Msg("get balance")
		h.respondError(w, "/v1/accounts/{id}/balance", http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, "/v1/accounts/{id}/balance", http.StatusOK, balanceResponse{
		AccountID:      bal.AccountID.String(),
		Currency:       bal.Currency,
		AvailableMinor: bal.AvailableMinor,
		ReservedMinor:  bal.ReservedMinor,
		TotalMinor:     bal.TotalMinor(),
		Version:        bal.Version,
	})
}

type createPaymentRequest struct {
	RequestID     string `json:"request_id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

type paymentResponse struct {
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	defer h.observe("/v1/payments")()

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "/v1/payments", http.StatusBadRequest, "malformed JSON body")
		return
	}

	// The Idempotency-Key header wins over the body field.
	requestID := r.Header.Get("Idempotency-Key")
	if requestID == "" {
		requestID = req.RequestID
	}
	if requestID == "" {
		h.respondError(w, "/v1/payments", http.StatusBadRequest, "missing Idempotency-Key header or request_id")
		return
	}

	from, err := uuid.Parse(req.FromAccountID)
	if err != nil {
		h.respondError(w, "/v1/payments", http.StatusUnprocessableEntity, "invalid from_account_id")
		return
	}
	to, err := uuid.Parse(req.ToAccountID)
	if err != nil {
		h.respondError(w, "/v1/payments", http.StatusUnprocessableEntity, "invalid to_account_id")
		return
	}

	p, err := h.orch.InitiatePayment(r.Context(), requestID, from, to, req.AmountMinor, req.Currency)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrNonPositive),
			errors.Is(err, payment.ErrSameAccount),
			errors.Is(err, payment.ErrUnknownCurrency),
			errors.Is(err, payment.ErrEmptyRequestID),
			errors.Is(err, account.ErrNotFound):
			h.respondError(w, "/v1/payments", http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, payment.ErrVersionConflict):
			h.respondError(w, "/v1/payments", http.StatusConflict, "payment is being processed concurrently")
		default:
			h.log.Error().Err(err).Str("request_id", requestID).Msg("initiate payment")
			h.respondError(w, "/v1/payments", http.StatusInternalServerError, "internal error")
		}
		return
	}

	// The saga ran to a terminal status; the caller reads the outcome from
	// the status field rather than the HTTP code.
	h.respondJSON(w, "/v1/payments", http.StatusCreated, toPaymentResponse(p))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	defer h.observe("/v1/payments/{id}")()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, "/v1/payments/{id}", http.StatusBadRequest, "invalid payment id")
		return
	}

	p, err := h.orch.GetPayment(r.Context(), id)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			h.respondError(w, "/v1/payments/{id}", http.StatusNotFound, "payment not found")
			return
		}
		h.log.Error().Err(err).Msg("get payment")
		h.respondError(w, "/v1/payments/{id}", http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, "/v1/payments/{id}", http.StatusOK, toPaymentResponse(p))
}

type entryResponse struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AccountID   string `json:"account_id"`
	Type        string `json:"type"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	RecordedAt  string `json:"recorded_at"`
}

func (h *Handler) getPaymentEntries(w http.ResponseWriter, r *http.Request) {
	defer h.observe("/v1/payments/{id}/entries")()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, "/v1/payments/{id}/entries", http.StatusBadRequest, "invalid payment id")
		return
	}

	entries, err := h.orch.PaymentEntries(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Msg("get payment entries")
		h.respondError(w, "/v1/payments/{id}/entries", http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	h.respondJSON(w, "/v1/payments/{id}/entries", http.StatusOK, out)
}

func toAccountResponse(a *account.Account) accountResponse {
	return accountResponse{
		ID:         a.ID.String(),
		Number:     a.Number,
		HolderName: a.HolderName,
		Status:     a.Status.String(),
		CreatedAt:  a.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toPaymentResponse(p *payment.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID.String(),
		RequestID:     p.RequestID,
		FromAccountID: p.FromAccountID.String(),
		ToAccountID:   p.ToAccountID.String(),
		AmountMinor:   p.AmountMinor,
		Currency:      p.Currency,
		Status:        p.Status.String(),
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:          e.ID.String(),
		PaymentID:   e.PaymentID.String(),
		AccountID:   e.AccountID.String(),
		Type:        e.Type.String(),
		AmountMinor: e.AmountMinor,
		Currency:    e.Currency,
		RecordedAt:  e.RecordedAt.Format(time.RFC3339Nano),
	}
}

func (h *Handler) observe(route string) func() {
	timer := prometheus.NewTimer(h.metrics.HTTPDuration.WithLabelValues(route))
	return func() { timer.ObserveDuration() }
}

func (h *Handler) respondError(w http.ResponseWriter, route string, code int, message string) {
	h.respondJSON(w, route, code, map[string]string{"error": message})
}

func (h *Handler) respondJSON(w http.ResponseWriter, route string, code int, payload interface{}) {
	h.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
