package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"stash/internal/server/auth"
	"stash/internal/server/database"
)

const minPasswordLength = 8

// UserRepository is the persistence the account service depends on.
type UserRepository interface {
	Create(ctx context.Context, u *database.User) error
	GetByEmail(ctx context.Context, email string) (*database.User, error)
}

// Account is the public view of a user.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is an issued access token.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AccountService registers users, issues tokens and authenticates requests.
type AccountService struct {
	users   UserRepository
	tokens  *auth.TokenManager
	revoker auth.Revoker
}

func NewAccountService(users UserRepository, tokens *auth.TokenManager, revoker auth.Revoker) *AccountService {
	return &AccountService{users: users, tokens: tokens, revoker: revoker}
}

func (s *AccountService) Register(ctx context.Context, email, password string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &database.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, database.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Info("user registered", "user_id", user.ID)
	return &Account{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt}, nil
}

// Login checks the credentials and issues a token. Unknown email and wrong
// password are reported identically.
func (s *AccountService) Login(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", "user_id", user.ID)
	return &Session{Token: token, ExpiresAt: expiresAt}, nil
}

// Logout revokes the presented token for the rest of its lifetime.
func (s *AccountService) Logout(ctx context.Context, id *auth.Identity) error {
	if err := s.revoker.Revoke(ctx, id.TokenID, id.ExpiresAt); err != nil {
		return err
	}
	slog.Info("user logged out", "user_id", id.UserID)
	return nil
}

// Authenticate verifies a bearer token and rejects revoked ones. A failing
// revocation backend is logged and does not lock every user out.
func (s *AccountService) Authenticate(ctx context.Context, bearer string) (*auth.Identity, error) {
	id, err := s.tokens.Verify(bearer)
	if err != nil {
		return nil, ErrUnauthorized
	}

	revoked, err := s.revoker.IsRevoked(ctx, id.TokenID)
	if err != nil {
		slog.Warn("failed to check token revocation", "user_id", id.UserID, "error", err)
		return id, nil
	}
	if revoked {
		return nil, ErrUnauthorized
	}
	return id, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return email, nil
}
