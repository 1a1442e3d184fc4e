package accounts

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"handbook/api/internal/store"
)

// memStore mirrors the relational semantics the service depends on: session
// lookup rejects expired rows and disabled users, and password/disable
// changes revoke the user's sessions.
type memStore struct {
	users    map[string]store.AdminUser
	sessions map[string]store.AdminSession
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]store.AdminUser{},
		sessions: map[string]store.AdminSession{},
		now:      time.Now,
	}
}

func (m *memStore) GetAdminUser(_ context.Context, username string) (store.AdminUser, error) {
	user, ok := m.users[username]
	if !ok {
		return store.AdminUser{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreateAdminUser(_ context.Context, item store.AdminUser) error {
	m.users[item.Username] = item
	return nil
}

func (m *memStore) ListAdminUsers(_ context.Context) ([]store.AdminUser, error) {
	var users []store.AdminUser
	for _, user := range m.users {
		users = append(users, user)
	}
	return users, nil
}

func (m *memStore) CountAdminUsers(_ context.Context) (int, error) {
	return len(m.users), nil
}

func (m *memStore) UpdateAdminPassword(_ context.Context, username, passwordHash string) error {
	user := m.users[username]
	user.PasswordHash = passwordHash
	m.users[username] = user
	m.revokeSessions(username)
	return nil
}

func (m *memStore) DisableAdminUser(_ context.Context, username string) error {
	user := m.users[username]
	now := m.now()
	user.DisabledAt = &now
	m.users[username] = user
	m.revokeSessions(username)
	return nil
}

func (m *memStore) revokeSessions(username string) {
	for hash, session := range m.sessions {
		if session.Username == username {
			delete(m.sessions, hash)
		}
	}
}

func (m *memStore) CreateAdminSession(_ context.Context, item store.AdminSession) error {
	m.sessions[item.TokenHash] = item
	return nil
}

func (m *memStore) LookupAdminSession(_ context.Context, tokenHash string) (store.AdminSession, error) {
	session, ok := m.sessions[tokenHash]
	if !ok || session.ExpiresAt.Before(m.now()) {
		return store.AdminSession{}, sql.ErrNoRows
	}
	user, ok := m.users[session.Username]
	if !ok || user.DisabledAt != nil {
		return store.AdminSession{}, sql.ErrNoRows
	}
	session.Role = user.Role
	return session, nil
}

func (m *memStore) TouchAdminSession(_ context.Context, tokenHash string) error {
	session, ok := m.sessions[tokenHash]
	if ok {
		now := m.now()
		session.LastSeenAt = &now
		m.sessions[tokenHash] = session
	}
	return nil
}

func (m *memStore) DeleteAdminSession(_ context.Context, tokenHash string) error {
	delete(m.sessions, tokenHash)
	return nil
}

func (m *memStore) PurgeExpiredSessions(_ context.Context) error {
	for hash, session := range m.sessions {
		if session.ExpiresAt.Before(m.now()) {
			delete(m.sessions, hash)
		}
	}
	return nil
}

func testService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	st := newMemStore()
	svc := NewService(st, "owner-secret", time.Hour)
	if err := svc.CreateUser(context.Background(), "alice", "Alice", "admin", "correct-horse"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return svc, st
}

func TestLoginAndResolve(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	token, identity, err := svc.Login(ctx, "Alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if identity.Username != "alice" || identity.Role != "admin" {
		t.Errorf("unexpected identity %+v", identity)
	}

	resolved, err := svc.ResolveSession(ctx, token)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if resolved.Username != "alice" || resolved.Owner {
		t.Errorf("unexpected resolved identity %+v", resolved)
	}
}

func TestLoginGenericFailures(t *testing.T) {
	svc, st := testService(t)
	ctx := context.Background()

	if _, _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: %v", err)
	}

	if err := svc.Disable(ctx, "alice"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("disabled user must get the same generic error: %v", err)
	}
	_ = st
}

func TestDisableRevokesSessions(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	token, _, err := svc.Login(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Disable(ctx, "alice"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("session survived disable: %v", err)
	}
}

func TestPasswordChangeRevokesSessions(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	token, _, err := svc.Login(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.SetPassword(ctx, "alice", "new-password-1"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("session survived password change: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "new-password-1"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, "", time.Hour)
	if err := svc.CreateUser(context.Background(), "alice", "Alice", "reviewer", "correct-horse"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, err := svc.Login(context.Background(), "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	st.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.ResolveSession(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired session accepted: %v", err)
	}
}

func TestOwnerToken(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	identity, err := svc.ResolveSession(ctx, "owner-secret")
	if err != nil {
		t.Fatalf("ResolveSession(owner): %v", err)
	}
	if !identity.Owner || identity.Role != "admin" {
		t.Errorf("owner identity = %+v", identity)
	}

	empty := NewService(newMemStore(), "", time.Hour)
	if _, err := empty.ResolveSession(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty token with unset owner token must never authenticate: %v", err)
	}
}

func TestBootstrapOnlyOnce(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, "owner-secret", time.Hour)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx, "root", "Root", "first-password"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := svc.Bootstrap(ctx, "other", "Other", "second-password"); !errors.Is(err, ErrAlreadyBootstrapped) {
		t.Errorf("second bootstrap: %v", err)
	}
	if st.users["root"].Role != "admin" {
		t.Errorf("bootstrap role = %q", st.users["root"].Role)
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	var verr *ValidationError
	if err := svc.CreateUser(ctx, "Bad Name", "x", "admin", "long-enough"); !errors.As(err, &verr) {
		t.Errorf("bad username: %v", err)
	}
	if err := svc.CreateUser(ctx, "bob", "Bob", "superuser", "long-enough"); !errors.As(err, &verr) {
		t.Errorf("bad role: %v", err)
	}
	if err := svc.CreateUser(ctx, "bob", "Bob", "reviewer", "short"); !errors.As(err, &verr) {
		t.Errorf("short password: %v", err)
	}
	if err := svc.CreateUser(ctx, "alice", "Alice", "admin", "long-enough"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate user: %v", err)
	}
}
