package tapak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Keys persisted in the KeyValueStore.
const (
	KeyAccessToken        = "token"
	KeyRefreshToken       = "refreshToken"
	KeyTokenExpiresAt     = "tokenExpiresAt"
	KeyUser               = "user"
	KeyLoginTime          = "loginTime"
	KeyRememberedUsername = "rememberedUsername"
)

// DefaultExpiryBuffer is how long before expiry a token counts as near expiry.
const DefaultExpiryBuffer = 5 * time.Minute

// CredentialStore holds the session credentials, writing every change
// through to a KeyValueStore. The three credential fields are always
// replaced or cleared together.
type CredentialStore struct {
	mu     sync.RWMutex
	kv     KeyValueStore
	now    func() time.Time
	buffer time.Duration
	logger Logger
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore)

// WithStoreClock sets the clock used for expiry checks.
func WithStoreClock(now func() time.Time) CredentialOption {
	return func(s *CredentialStore) { s.now = now }
}

// WithStoreExpiryBuffer overrides DefaultExpiryBuffer.
func WithStoreExpiryBuffer(d time.Duration) CredentialOption {
	return func(s *CredentialStore) { s.buffer = d }
}

// WithStoreLogger logs persistence failures.
func WithStoreLogger(l Logger) CredentialOption {
	return func(s *CredentialStore) { s.logger = l }
}

// NewCredentialStore returns a store persisting through kv.
func NewCredentialStore(kv KeyValueStore, opts ...CredentialOption) *CredentialStore {
	s := &CredentialStore{
		kv:     kv,
		now:    time.Now,
		buffer: DefaultExpiryBuffer,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CredentialStore) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Error("Reading session value failed", "key", key, "error", err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// AccessToken returns the current access token.
func (s *CredentialStore) AccessToken(ctx context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, KeyAccessToken)
}

// RefreshToken returns the current refresh token.
func (s *CredentialStore) RefreshToken(ctx context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, KeyRefreshToken)
}

// ExpiresAt returns the expiry of the current access token.
func (s *CredentialStore) ExpiresAt(ctx context.Context) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt(ctx)
}

func (s *CredentialStore) expiresAt(ctx context.Context) (time.Time, bool) {
	v, ok := s.get(ctx, KeyTokenExpiresAt)
	if !ok {
		return time.Time{}, false
	}
	t, err := parseInstant(v)
	if err != nil {
		s.logger.Warn("Stored token expiry is unreadable", "value", v, "error", err)
		return time.Time{}, false
	}
	return t, true
}

// Credentials returns the full triple; ok is false without an access token.
func (s *CredentialStore) Credentials(ctx context.Context) (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	access, ok := s.get(ctx, KeyAccessToken)
	if !ok {
		return Credentials{}, false
	}
	refresh, _ := s.get(ctx, KeyRefreshToken)
	exp, _ := s.expiresAt(ctx)
	return Credentials{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, true
}

// IsNearExpiry reports whether the token expires within the buffer. A
// missing or unreadable expiry counts as near expiry.
func (s *CredentialStore) IsNearExpiry(ctx context.Context) bool {
	exp, ok := s.ExpiresAt(ctx)
	if !ok {
		return true
	}
	return !s.now().Add(s.buffer).Before(exp)
}

// SetCredentials replaces all three credential fields. If persisting fails
// part way the fields are cleared so a token never outlives its expiry.
func (s *CredentialStore) SetCredentials(ctx context.Context, c Credentials) error {
	if c.AccessToken == "" {
		return errors.New("set credentials: empty access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeCredentials(ctx, c); err != nil {
		if clearErr := s.clearKeys(ctx, KeyAccessToken, KeyRefreshToken, KeyTokenExpiresAt); clearErr != nil {
			s.logger.Error("Rolling back credentials failed", "error", clearErr)
		}
		return err
	}
	return nil
}

func (s *CredentialStore) writeCredentials(ctx context.Context, c Credentials) error {
	if err := s.kv.Set(ctx, KeyAccessToken, c.AccessToken); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if c.RefreshToken != "" {
		if err := s.kv.Set(ctx, KeyRefreshToken, c.RefreshToken); err != nil {
			return fmt.Errorf("persist refresh token: %w", err)
		}
	} else if err := s.kv.Remove(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("remove refresh token: %w", err)
	}
	if !c.ExpiresAt.IsZero() {
		if err := s.kv.Set(ctx, KeyTokenExpiresAt, c.ExpiresAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("persist token expiry: %w", err)
		}
	} else if err := s.kv.Remove(ctx, KeyTokenExpiresAt); err != nil {
		return fmt.Errorf("remove token expiry: %w", err)
	}
	return nil
}

// Clear removes the three credential fields.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearKeys(ctx, KeyAccessToken, KeyRefreshToken, KeyTokenExpiresAt)
}

func (s *CredentialStore) clearKeys(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := s.kv.Remove(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Login stores the user identity, the login instant and the credentials.
func (s *CredentialStore) Login(ctx context.Context, user User, c Credentials) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.SetCredentials(ctx, c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(ctx, KeyUser, string(raw)); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}
	if err := s.kv.Set(ctx, KeyLoginTime, strconv.FormatInt(s.now().UnixMilli(), 10)); err != nil {
		return fmt.Errorf("persist login time: %w", err)
	}
	return nil
}

// Logout removes credentials and the session identity. The remembered
// username survives.
func (s *CredentialStore) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearKeys(ctx, KeyUser, KeyAccessToken, KeyRefreshToken, KeyTokenExpiresAt, KeyLoginTime)
}

// CurrentUser returns the logged-in user.
func (s *CredentialStore) CurrentUser(ctx context.Context) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.get(ctx, KeyUser)
	if !ok {
		return User{}, false
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		s.logger.Warn("Stored user is unreadable", "error", err)
		return User{}, false
	}
	return u, true
}

// LoginTime returns when Login last ran.
func (s *CredentialStore) LoginTime(ctx context.Context) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.get(ctx, KeyLoginTime)
	if !ok {
		return time.Time{}, false
	}
	t, err := parseInstant(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsLoggedIn reports whether both a token and a user are stored.
func (s *CredentialStore) IsLoggedIn(ctx context.Context) bool {
	if _, ok := s.AccessToken(ctx); !ok {
		return false
	}
	_, ok := s.CurrentUser(ctx)
	return ok
}

// RememberUsername stores the username offered on the next login screen.
func (s *CredentialStore) RememberUsername(ctx context.Context, username string) error {
	if err := s.kv.Set(ctx, KeyRememberedUsername, username); err != nil {
		return fmt.Errorf("persist remembered username: %w", err)
	}
	return nil
}

// RememberedUsername returns the remembered username or "".
func (s *CredentialStore) RememberedUsername(ctx context.Context) string {
	v, _ := s.get(ctx, KeyRememberedUsername)
	return v
}

// ForgetUsername removes the remembered username.
func (s *CredentialStore) ForgetUsername(ctx context.Context) error {
	if err := s.kv.Remove(ctx, KeyRememberedUsername); err != nil {
		return fmt.Errorf("remove remembered username: %w", err)
	}
	return nil
}
