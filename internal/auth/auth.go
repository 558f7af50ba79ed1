// Package auth maps identities from the sign-in provider onto registered users.
// Users are provisioned by administrators; an unknown identity is signed out again.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/questionflow/internal/model"
)

var (
	ErrNotRegistered      = errors.New("account is not registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Identity is what the provider knows about a signed-in person.
type Identity struct {
	Subject     string
	Email       string
	Name        string
	AccessToken string
}

// Provider is an external sign-in service.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Identity, error)
	SignOut(ctx context.Context, id Identity) error
}

// Users looks up registered accounts. *store.Store satisfies it.
type Users interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Gate resolves identities to sessions.
type Gate struct {
	users    Users
	provider Provider
}

// NewGate creates a gate. provider may be nil when only password login is enabled.
func NewGate(users Users, provider Provider) *Gate {
	return &Gate{users: users, provider: provider}
}

// Provider returns the configured sign-in provider, or nil.
func (g *Gate) Provider() Provider {
	return g.provider
}

// Resolve returns a session for a registered, non-deleted user with the identity's email.
// Anyone else is signed out of the provider and gets ErrNotRegistered.
func (g *Gate) Resolve(ctx context.Context, id Identity) (*model.Session, error) {
	u, err := g.lookup(ctx, id.Email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		slog.Warn("sign-in by unregistered identity", "email", id.Email)
		if g.provider != nil {
			if err := g.provider.SignOut(ctx, id); err != nil {
				slog.Error("provider sign-out failed", "email", id.Email, "error", err)
			}
		}
		return nil, ErrNotRegistered
	}
	sess := model.NewSession(*u)
	return &sess, nil
}

// PasswordLogin checks a locally stored password. Only accounts created with a password
// (typically the bootstrap administrator) can use it.
func (g *Gate) PasswordLogin(ctx context.Context, email, password string) (*model.Session, error) {
	u, err := g.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil || u.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	sess := model.NewSession(*u)
	return &sess, nil
}

func (g *Gate) lookup(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	u, err := g.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil || u.IsDeleted || u.DeletedAt != nil {
		return nil, nil
	}
	return u, nil
}

// HashPassword returns a bcrypt hash for storing a local password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
