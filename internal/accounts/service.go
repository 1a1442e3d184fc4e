// Package accounts owns reviewer/admin credentials and their sessions:
// password hashing, login, opaque bearer tokens, and the owner-token bypass
// used to bootstrap and administer accounts.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"handbook/api/internal/auth"
	"handbook/api/internal/store"
)

var (
	// ErrInvalidCredentials is deliberately generic: callers cannot tell an
	// unknown user from a wrong password or a disabled account.
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyBootstrapped = errors.New("accounts already exist")
	ErrUserExists          = errors.New("user already exists")
	ErrUserNotFound        = errors.New("user not found")
)

// ValidationError marks bad account-management input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,31}$`)

const minPasswordLength = 8

// dummyHash is a valid bcrypt hash compared against when the username does
// not exist, so a miss costs roughly the same as a wrong password.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// OwnerUsername is the implicit identity behind the owner token.
const OwnerUsername = "owner"

type accountStore interface {
	GetAdminUser(ctx context.Context, username string) (store.AdminUser, error)
	CreateAdminUser(ctx context.Context, item store.AdminUser) error
	ListAdminUsers(ctx context.Context) ([]store.AdminUser, error)
	CountAdminUsers(ctx context.Context) (int, error)
	UpdateAdminPassword(ctx context.Context, username, passwordHash string) error
	DisableAdminUser(ctx context.Context, username string) error
	CreateAdminSession(ctx context.Context, item store.AdminSession) error
	LookupAdminSession(ctx context.Context, tokenHash string) (store.AdminSession, error)
	TouchAdminSession(ctx context.Context, tokenHash string) error
	DeleteAdminSession(ctx context.Context, tokenHash string) error
	PurgeExpiredSessions(ctx context.Context) error
}

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	Username    string
	DisplayName string
	Role        string // admin | reviewer
	Owner       bool   // true when authenticated via the owner token
}

type Service struct {
	store      accountStore
	ownerToken string
	sessionTTL time.Duration
	now        func() time.Time
}

func NewService(st accountStore, ownerToken string, sessionTTL time.Duration) *Service {
	return &Service{
		store:      st,
		ownerToken: ownerToken,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// Login verifies a username/password pair and mints a session. The raw token
// is returned exactly once; only its hash is stored.
func (s *Service) Login(ctx context.Context, username, password string) (string, Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	user, err := s.store.GetAdminUser(ctx, username)
	if err != nil {
		// Burn a comparison anyway so the miss is not obviously faster.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", Identity{}, ErrInvalidCredentials
	}
	if user.DisabledAt != nil {
		return "", Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", Identity{}, ErrInvalidCredentials
	}

	token, err := auth.NewToken()
	if err != nil {
		return "", Identity{}, fmt.Errorf("mint session token: %w", err)
	}
	now := s.now()
	session := store.AdminSession{
		TokenHash: auth.HashToken(token),
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.CreateAdminSession(ctx, session); err != nil {
		return "", Identity{}, fmt.Errorf("persist session: %w", err)
	}
	// Opportunistic cleanup; a failure here never blocks the login.
	_ = s.store.PurgeExpiredSessions(ctx)
	return token, identityOf(user), nil
}

// ResolveSession authenticates a bearer token: the owner token short-circuits
// to an implicit admin; anything else goes through the hashed session lookup,
// which already rejects expired sessions and disabled users and reports the
// user's live role.
func (s *Service) ResolveSession(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	if auth.EqualOwnerToken(s.ownerToken, token) {
		return Identity{Username: OwnerUsername, DisplayName: "Owner", Role: "admin", Owner: true}, nil
	}

	session, err := s.store.LookupAdminSession(ctx, auth.HashToken(token))
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	if err := s.store.TouchAdminSession(ctx, session.TokenHash); err != nil {
		return Identity{}, fmt.Errorf("touch session: %w", err)
	}

	user, err := s.store.GetAdminUser(ctx, session.Username)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	return identityOf(user), nil
}

// Logout deletes the caller's session. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" || auth.EqualOwnerToken(s.ownerToken, token) {
		return nil
	}
	return s.store.DeleteAdminSession(ctx, auth.HashToken(token))
}

// IsOwnerToken reports whether a token is the configured owner credential.
func (s *Service) IsOwnerToken(token string) bool {
	return auth.EqualOwnerToken(s.ownerToken, token)
}

// Bootstrap creates the very first account, admin-roled, and only while no
// accounts exist at all.
func (s *Service) Bootstrap(ctx context.Context, username, displayName, password string) error {
	count, err := s.store.CountAdminUsers(ctx)
	if err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	if count > 0 {
		return ErrAlreadyBootstrapped
	}
	return s.CreateUser(ctx, username, displayName, "admin", password)
}

// CreateUser adds an account after validating username, role, and password.
func (s *Service) CreateUser(ctx context.Context, username, displayName, role, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return &ValidationError{Msg: "username must be 3-32 lowercase letters, digits, or ._-"}
	}
	if role != "admin" && role != "reviewer" {
		return &ValidationError{Msg: "role must be admin or reviewer"}
	}
	if len(password) < minPasswordLength {
		return &ValidationError{Msg: fmt.Sprintf("password must be at least %d characters", minPasswordLength)}
	}
	if _, err := s.store.GetAdminUser(ctx, username); err == nil {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := store.AdminUser{
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if user.DisplayName == "" {
		user.DisplayName = username
	}
	if err := s.store.CreateAdminUser(ctx, user); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// SetPassword replaces a user's password hash. The store revokes all of the
// user's sessions in the same transaction, so no stale-session window exists.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(password) < minPasswordLength {
		return &ValidationError{Msg: fmt.Sprintf("password must be at least %d characters", minPasswordLength)}
	}
	if _, err := s.store.GetAdminUser(ctx, username); err != nil {
		return ErrUserNotFound
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateAdminPassword(ctx, username, string(hash))
}

// Disable deactivates a user; their sessions are revoked atomically.
func (s *Service) Disable(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if _, err := s.store.GetAdminUser(ctx, username); err != nil {
		return ErrUserNotFound
	}
	return s.store.DisableAdminUser(ctx, username)
}

// ListUsers returns every account, password hashes excluded by the caller.
func (s *Service) ListUsers(ctx context.Context) ([]store.AdminUser, error) {
	return s.store.ListAdminUsers(ctx)
}

// PurgeExpired removes expired session rows; run periodically.
func (s *Service) PurgeExpired(ctx context.Context) error {
	return s.store.PurgeExpiredSessions(ctx)
}

func identityOf(user store.AdminUser) Identity {
	return Identity{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}
}
