package api

import (
	"net/http"
	"strings"

	"github.com/example/finance-ledger/internal/api/middleware"
	"github.com/example/finance-ledger/internal/auth"
)

func NewRouter(handlers *Handlers, authHandlers *AuthHandlers, jwtService *auth.JWTService) http.Handler {
	mux := http.NewServeMux()
	requireAuth := middleware.Auth(jwtService)

	// Auth
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		authHandlers.Register(w, r)
	})

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		authHandlers.Login(w, r)
	})

	// Accounts
	mux.Handle("/accounts", requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.ListMyAccounts(w, r)
		case http.MethodPost:
			handlers.OpenAccount(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	mux.Handle("/accounts/", requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/accounts/")

		if rest == "active" {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			handlers.ListActiveAccounts(w, r)
			return
		}

		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			handlers.GetAccount(w, r)
		case action == "deposits" && r.Method == http.MethodPost:
			handlers.Deposit(w, r)
		case action == "withdrawals" && r.Method == http.MethodPost:
			handlers.Withdraw(w, r)
		case action == "close" && r.Method == http.MethodPost:
			handlers.CloseAccount(w, r)
		case action == "history" && r.Method == http.MethodGet:
			handlers.GetHistory(w, r)
		case action == "at" && r.Method == http.MethodGet:
			handlers.GetAtPointInTime(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	return mux
}
