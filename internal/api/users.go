package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/finance-ledger/internal/auth"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// User is a registered API user. Users own accounts; the user ID becomes the
// owning-user identifier on account events.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRegistry is an in-process credential store for the API surface. Like
// the in-memory event log it starts empty and lives for the process.
type UserRegistry struct {
	mu      sync.RWMutex
	byEmail map[string]*User
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{byEmail: make(map[string]*User)}
}

// Register creates a user with a bcrypt password hash.
func (ur *UserRegistry) Register(email, name, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrInvalidCredentials
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	ur.mu.Lock()
	defer ur.mu.Unlock()

	if _, exists := ur.byEmail[email]; exists {
		return nil, ErrEmailTaken
	}

	user := &User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	ur.byEmail[email] = user
	return user, nil
}

// Authenticate verifies the credentials and returns the user.
func (ur *UserRegistry) Authenticate(email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	ur.mu.RLock()
	user, ok := ur.byEmail[email]
	ur.mu.RUnlock()

	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
