// Package auth implements the identity surface: registration, login,
// token-based sessions and session change notification.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"

	"chattr/internal/apperr"
	"chattr/internal/content"
	"chattr/internal/models"
	"chattr/internal/store"
)

const DefaultTokenExpiry = 24 * time.Hour

const loginFailedMessage = "login failed"

type Config struct {
	TokenExpiry time.Duration
}

type Service struct {
	Config
	q      store.Querier
	tokens geche.Geche[string, string]

	mu        sync.RWMutex
	listeners []func(accountID string, signedIn bool)
}

func NewService(ctx context.Context, config Config, q store.Querier) *Service {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}
	return &Service{
		Config: config,
		q:      q,
		tokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
	}
}

// OnSessionChange registers a callback invoked after every login and logoff.
func (s *Service) OnSessionChange(fn func(accountID string, signedIn bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(accountID string, signedIn bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.listeners {
		fn(accountID, signedIn)
	}
}

// Register creates an account. Usernames are normalized to lowercase and
// must be unique.
func (s *Service) Register(ctx context.Context, username, password, displayName string) (models.Account, error) {
	username = content.NormalizeUsername(username)
	if err := content.ValidateUsername(username); err != nil {
		return models.Account{}, apperr.Validation(err.Error())
	}
	if len(password) < 8 {
		return models.Account{}, apperr.Validation("password must be at least 8 characters")
	}

	existing, err := s.q.Select(ctx, models.TableAccounts, store.Where(store.Eq("username", username)), store.Order{}, 1)
	if err != nil {
		return models.Account{}, apperr.Transient("failed to check username", err)
	}
	if len(existing) > 0 {
		return models.Account{}, apperr.Conflict("username already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, apperr.Internal("failed to hash password", err)
	}

	rec := store.AccountRecord(models.Account{
		Username:    username,
		DisplayName: content.Sanitize(displayName),
	})
	delete(rec, "id")
	rec["password_hash"] = string(hash)

	inserted, err := s.q.Insert(ctx, models.TableAccounts, rec)
	if err != nil {
		return models.Account{}, apperr.Transient("failed to create account", err)
	}

	return store.AccountFromRecord(inserted), nil
}

// Login verifies credentials and issues a session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, models.Account, error) {
	username = content.NormalizeUsername(username)

	recs, err := s.q.Select(ctx, models.TableAccounts, store.Where(store.Eq("username", username)), store.Order{}, 1)
	if err != nil {
		return "", models.Account{}, apperr.Transient("failed to load account", err)
	}
	if len(recs) == 0 {
		return "", models.Account{}, apperr.Forbidden(loginFailedMessage)
	}

	rec := recs[0]
	hash, _ := rec["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", models.Account{}, apperr.Forbidden(loginFailedMessage)
	}

	token, err := generateToken()
	if err != nil {
		slog.Error("login failed", "username", username, "error", err)
		return "", models.Account{}, apperr.Internal("failed to generate token", err)
	}

	account := store.AccountFromRecord(rec)
	s.tokens.Set(token, account.ID)
	s.notify(account.ID, true)
	return token, account, nil
}

// Session resolves a token to the signed-in account id.
func (s *Service) Session(token string) (string, error) {
	accountID, err := s.tokens.Get(token)
	if err != nil {
		return "", apperr.Forbidden("invalid or expired session")
	}
	return accountID, nil
}

func (s *Service) Logoff(token string) {
	accountID, err := s.tokens.Get(token)
	if err != nil {
		return
	}
	_ = s.tokens.Del(token)
	s.notify(accountID, false)
}

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, accountID string) (models.Account, error) {
	recs, err := s.q.Select(ctx, models.TableAccounts, store.Where(store.Eq("id", accountID)), store.Order{}, 1)
	if err != nil {
		return models.Account{}, apperr.Transient("failed to load account", err)
	}
	if len(recs) == 0 {
		return models.Account{}, apperr.NotFound("account not found")
	}
	return store.AccountFromRecord(recs[0]), nil
}

// Lookup finds an account by exact username.
func (s *Service) Lookup(ctx context.Context, username string) (models.Account, error) {
	username = content.NormalizeUsername(username)
	recs, err := s.q.Select(ctx, models.TableAccounts, store.Where(store.Eq("username", username)), store.Order{}, 1)
	if err != nil {
		return models.Account{}, apperr.Transient("failed to look up account", err)
	}
	if len(recs) == 0 {
		return models.Account{}, apperr.NotFound("user not found")
	}
	return store.AccountFromRecord(recs[0]), nil
}

// UpdateProfile mutates display name and bio. Only the owner may call it.
func (s *Service) UpdateProfile(ctx context.Context, accountID, displayName, bio string) (models.Account, error) {
	updated, err := s.q.Update(ctx, models.TableAccounts,
		store.Where(store.Eq("id", accountID)),
		store.Record{
			"display_name": content.Sanitize(displayName),
			"bio":          content.Sanitize(bio),
		})
	if err != nil {
		return models.Account{}, apperr.Transient("failed to update profile", err)
	}
	if len(updated) == 0 {
		return models.Account{}, apperr.NotFound("account not found")
	}
	return store.AccountFromRecord(updated[0]), nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
