package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/finance-ledger/internal/api/middleware"
	"github.com/example/finance-ledger/internal/domain/account"
	"github.com/example/finance-ledger/internal/infrastructure/store"
)

// Handlers serves the account endpoints on top of the event-sourced
// repository. Every mutation goes through load → operate → save; a
// concurrency conflict surfaces as 409 and the client retries.
type Handlers struct {
	accounts *account.Repository
}

func NewHandlers(accounts *account.Repository) *Handlers {
	return &Handlers{accounts: accounts}
}

type OpenAccountRequest struct {
	InitialBalance int64 `json:"initial_balance"`
}

type AmountRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type CloseAccountRequest struct {
	Reason string `json:"reason"`
}

// AccountResponse is the materialized view returned to clients.
type AccountResponse struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Balance          int64          `json:"balance"`
	AvailableBalance int64          `json:"available_balance"`
	Status           account.Status `json:"status"`
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
}

func toResponse(a *account.Account) AccountResponse {
	return AccountResponse{
		ID:               a.ID(),
		UserID:           a.UserID,
		Balance:          a.Balance,
		AvailableBalance: a.AvailableBalance(),
		Status:           a.Status,
		Version:          a.Version(),
		CreatedAt:        a.CreatedAt,
	}
}

// OpenAccount handles POST /accounts.
func (h *Handlers) OpenAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		respondJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := account.Open(claims.UserID, req.InitialBalance)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.accounts.Save(r.Context(), a); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, toResponse(a))
}

// GetAccount handles GET /accounts/{id}.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toResponse(a))
}

// Deposit handles POST /accounts/{id}/deposits.
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(a *account.Account, req AmountRequest) error {
		return a.Deposit(req.Amount, req.Description)
	})
}

// Withdraw handles POST /accounts/{id}/withdrawals.
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(a *account.Account, req AmountRequest) error {
		return a.Withdraw(req.Amount, req.Description)
	})
}

func (h *Handlers) mutate(w http.ResponseWriter, r *http.Request, op func(*account.Account, AmountRequest) error) {
	a, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := op(a, req); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.accounts.Save(r.Context(), a); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toResponse(a))
}

// CloseAccount handles POST /accounts/{id}/close.
func (h *Handlers) CloseAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req CloseAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.Close(req.Reason); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.accounts.Save(r.Context(), a); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toResponse(a))
}

// GetHistory handles GET /accounts/{id}/history.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	history, err := h.accounts.HistoryOf(r.Context(), a.ID())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// GetAtPointInTime handles GET /accounts/{id}/at?time=RFC3339.
func (h *Handlers) GetAtPointInTime(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadOwned(w, r); !ok {
		return
	}

	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("time"))
	if err != nil {
		respondJSONError(w, "time must be RFC3339", http.StatusBadRequest)
		return
	}

	a, err := h.accounts.AtPointInTime(r.Context(), accountID(r.URL.Path), at)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(a))
}

// ListMyAccounts handles GET /accounts. Full scan of the event log by design;
// there is no user index.
func (h *Handlers) ListMyAccounts(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		respondJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	accounts, err := h.accounts.FindByUser(r.Context(), claims.UserID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponses(accounts))
}

// ListActiveAccounts handles GET /accounts/active.
func (h *Handlers) ListActiveAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.FindAllActive(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponses(accounts))
}

func toResponses(accounts []*account.Account) []AccountResponse {
	out := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toResponse(a))
	}
	return out
}

// loadOwned loads the account from the path and rejects access by anyone but
// its owner.
func (h *Handlers) loadOwned(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		respondJSONError(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	a, err := h.accounts.Load(r.Context(), accountID(r.URL.Path))
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	if a.UserID != claims.UserID {
		respondJSONError(w, "forbidden", http.StatusForbidden)
		return nil, false
	}
	return a, true
}

// accountID extracts the account ID segment from /accounts/{id}[/...].
func accountID(path string) string {
	rest := strings.TrimPrefix(path, "/accounts/")
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrNotFound):
		respondJSONError(w, err.Error(), http.StatusNotFound)
	case store.IsConcurrencyError(err):
		respondJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, account.ErrInsufficientBalance):
		respondJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, account.ErrNotActive), errors.Is(err, account.ErrBalanceNotZero):
		respondJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, account.ErrNegativeBalance),
		errors.Is(err, account.ErrUserRequired):
		respondJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		respondJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondJSONError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}
