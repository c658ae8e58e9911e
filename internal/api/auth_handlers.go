package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/finance-ledger/internal/auth"
)

// AuthHandlers serves registration and login for the ledger API.
type AuthHandlers struct {
	users      *UserRegistry
	jwtService *auth.JWTService
}

func NewAuthHandlers(users *UserRegistry, jwtService *auth.JWTService) *AuthHandlers {
	return &AuthHandlers{users: users, jwtService: jwtService}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	User        *User  `json:"user"`
	AccessToken string `json:"access_token"`
}

// Register handles user registration and logs the user in.
func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.users.Register(req.Email, req.Name, req.Password)
	switch {
	case errors.Is(err, ErrEmailTaken):
		respondJSONError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, auth.ErrPasswordTooShort), errors.Is(err, ErrInvalidCredentials):
		respondJSONError(w, "invalid email or password", http.StatusBadRequest)
		return
	case err != nil:
		respondJSONError(w, "registration failed", http.StatusInternalServerError)
		return
	}

	h.issueToken(w, user, http.StatusCreated)
}

// Login handles user authentication.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.users.Authenticate(req.Email, req.Password)
	if err != nil {
		respondJSONError(w, "invalid email or password", http.StatusUnauthorized)
		return
	}

	h.issueToken(w, user, http.StatusOK)
}

func (h *AuthHandlers) issueToken(w http.ResponseWriter, user *User, status int) {
	token, expiresAt, err := h.jwtService.GenerateToken(user.ID, user.Email)
	if err != nil {
		respondJSONError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})

	respondJSON(w, status, AuthResponse{User: user, AccessToken: token})
}
