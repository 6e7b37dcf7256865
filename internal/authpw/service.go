// Package authpw provides email/password authentication for collaborators.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"cowrite/collab/internal/rbac"
	"cowrite/collab/internal/store"
)

// ErrBadCredentials is returned for any sign-in failure. The cause is never
// distinguished to the caller.
var ErrBadCredentials = errors.New("invalid email or password")

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

// Service authenticates users against stored bcrypt hashes.
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUp creates an account and returns the stored user.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" || displayName == "" {
		return store.User{}, errors.New("email, password, and display name are required")
	}
	if len(password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, errors.New("email already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateUser(ctx, store.User{
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hash),
		Role:         string(rbac.RoleEditor),
	})
}

// SignIn verifies credentials and returns the matching user.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrBadCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrBadCredentials
	}
	return user, nil
}
