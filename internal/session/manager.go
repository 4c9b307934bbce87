package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/audit"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/ids"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/obs"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/vault"
)

const (
	// MsgLoginInProgress is returned to a SignIn caller that raced a login
	// already in flight.
	MsgLoginInProgress = "Login already in progress"

	msgLoginFailed     = "Login failed. Please try again."
	msgValidationError = "Please correct the highlighted fields."

	defaultRedirectURL = "/dashboard"
)

// Manager owns the authoritative in-memory session and its persisted mirror.
//
// Lifecycle: a new manager starts loading (initializing); Restore replays the
// persisted credentials and settles it into authenticated or unauthenticated.
// From there SignIn, SignOut and RefreshToken drive the transitions described
// on their methods. The invariant throughout: the session is authenticated if
// and only if both user and token are set.
type Manager struct {
	vault           vault.Store
	backend         Backend
	events          *Broadcaster
	defaultRedirect string
	clock           func() time.Time

	mu        sync.Mutex
	user      *User
	token     string
	loading   bool
	signingIn bool
	version   uint64
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithDefaultRedirect overrides the post-login redirect used when the backend
// does not supply one.
func WithDefaultRedirect(url string) Option {
	return func(m *Manager) error {
		if url != "" {
			m.defaultRedirect = url
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.clock = fn
		}
		return nil
	}
}

// NewManager constructs a Manager in the initializing state. Callers are
// expected to run Restore once before serving reads.
func NewManager(store vault.Store, backend Backend, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: vault store is required")
	}
	if backend == nil {
		return nil, errors.New("session: backend is required")
	}
	m := &Manager{
		vault:           store,
		backend:         backend,
		events:          NewBroadcaster(),
		defaultRedirect: defaultRedirectURL,
		clock:           time.Now,
		loading:         true,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Restore replays the persisted session. The three vault keys are read
// concurrently and the combined result is observed before any branching.
//
//   - user_data and auth_token both present: the session becomes
//     authenticated. A stored refresh token triggers one opportunistic
//     refresh whose failure is logged and swallowed; the user keeps the
//     stored token rather than being logged out by a background failure.
//   - corrupted user_data or a failed read: hard clear, unauthenticated.
//   - either key missing: unauthenticated, nothing to clear.
//
// Loading is dropped unconditionally when Restore returns.
func (m *Manager) Restore(ctx context.Context) {
	m.setLoading(true)
	defer func() {
		m.setLoading(false)
		m.publishChange()
	}()

	userRes, tokenRes, refreshRes := m.readAll(ctx)

	for _, res := range []keyRead{userRes, tokenRes, refreshRes} {
		if res.err != nil {
			obs.LogError("session", "restore: vault read failed", res.err)
			m.hardClear(ctx)
			_ = audit.LogEvent(ctx, "session.restore.cleared", map[string]any{"reason": "storage_error"})
			return
		}
	}

	if !userRes.ok || !tokenRes.ok {
		_ = audit.LogEvent(ctx, "session.restore.empty", nil)
		return
	}

	var user User
	if err := json.Unmarshal([]byte(userRes.value), &user); err != nil {
		obs.LogError("session", "restore: corrupted user_data", err)
		m.hardClear(ctx)
		_ = audit.LogEvent(ctx, "session.restore.cleared", map[string]any{"reason": "corrupted_user_data"})
		return
	}

	m.mu.Lock()
	m.user = &user
	m.token = tokenRes.value
	m.mu.Unlock()
	obs.SetAuthenticated(true)
	_ = audit.LogEvent(ctx, "session.restore.restored", map[string]any{"user_id": user.ID})

	if refreshRes.ok {
		if !m.refresh(ctx, false) {
			// Degraded mode: stored access token stays in use until the next
			// explicit refresh or an upstream 401.
			obs.LogError("session", "restore: opportunistic refresh failed, keeping stored token", nil)
		}
	}
}

type keyRead struct {
	value string
	ok    bool
	err   error
}

// readAll issues the three vault reads concurrently and joins before
// returning. A missing key is reported as ok=false with a nil error.
func (m *Manager) readAll(ctx context.Context) (user, token, refresh keyRead) {
	var wg sync.WaitGroup
	read := func(key string, dst *keyRead) {
		defer wg.Done()
		value, err := m.vault.Get(ctx, key)
		switch {
		case err == nil:
			dst.value = value
			dst.ok = true
		case errors.Is(err, vault.ErrNotFound):
		default:
			dst.err = fmt.Errorf("read %s: %w", key, err)
		}
	}
	wg.Add(3)
	go read(vault.KeyUserData, &user)
	go read(vault.KeyAuthToken, &token)
	go read(vault.KeyRefreshToken, &refresh)
	wg.Wait()
	return user, token, refresh
}

// SignIn performs a remote login and, on success, persists and installs the
// new session. At most one sign-in is in flight at a time: a concurrent call
// resolves immediately with MsgLoginInProgress and no network call. SignIn
// never returns an error value; every failure is folded into the result.
func (m *Manager) SignIn(ctx context.Context, email, password string) SignInResult {
	m.mu.Lock()
	if m.signingIn {
		m.mu.Unlock()
		obs.ObserveSignIn("blocked")
		_ = audit.LogEvent(ctx, "session.signin.blocked", nil)
		return SignInResult{Success: false, Error: MsgLoginInProgress}
	}
	m.signingIn = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.signingIn = false
		m.mu.Unlock()
	}()

	outcome, err := m.backend.Login(ctx, Credentials{Email: email, Password: password})
	if err != nil {
		obs.ObserveSignIn("error")
		obs.LogError("session", "login request failed", err)
		_ = audit.LogEvent(ctx, "session.signin.failure", map[string]any{"reason": "transport"})
		return SignInResult{Success: false, Error: msgLoginFailed}
	}

	if outcome.Data == nil || outcome.Data.User == nil || outcome.Data.Token == "" {
		if len(outcome.ValidationErrors) > 0 {
			obs.ObserveSignIn("invalid")
			_ = audit.LogEvent(ctx, "session.signin.failure", map[string]any{"reason": "validation"})
			return SignInResult{
				Success:          false,
				Error:            messageOr(outcome.Message, msgValidationError),
				ValidationErrors: outcome.ValidationErrors,
			}
		}
		obs.ObserveSignIn("error")
		_ = audit.LogEvent(ctx, "session.signin.failure", map[string]any{"reason": "rejected"})
		return SignInResult{Success: false, Error: messageOr(outcome.Message, msgLoginFailed)}
	}

	data := outcome.Data
	userJSON, err := json.Marshal(data.User)
	if err != nil {
		obs.ObserveSignIn("error")
		obs.LogError("session", "encode user", err)
		return SignInResult{Success: false, Error: msgLoginFailed}
	}
	if err := m.persistLogin(ctx, string(userJSON), data); err != nil {
		obs.ObserveSignIn("error")
		obs.LogError("session", "persist login", err)
		_ = audit.LogEvent(ctx, "session.signin.failure", map[string]any{"reason": "storage"})
		return SignInResult{Success: false, Error: msgLoginFailed}
	}

	m.mu.Lock()
	m.user = data.User.Clone()
	m.token = data.Token
	m.mu.Unlock()
	obs.SetAuthenticated(true)
	obs.ObserveSignIn("success")
	_ = audit.LogEvent(audit.WithUserID(ctx, strconv.FormatInt(data.User.ID, 10)),
		"session.signin.success", map[string]any{"email": data.User.Email})
	m.publishChange()

	redirect := data.RedirectURL
	if redirect == "" {
		redirect = m.defaultRedirect
	}
	return SignInResult{Success: true, RedirectURL: redirect}
}

// persistLogin writes the three-key mirror for a fresh login. The writes are
// staged: each key's previous value is captured before it is overwritten, and
// any failure rolls the keys already written back, so a failed sign-in leaves
// the mirror exactly as it was. A mixed mirror (one user's user_data next to
// another user's auth_token) would authenticate the wrong identity on the next
// restore.
func (m *Manager) persistLogin(ctx context.Context, userJSON string, data *LoginData) error {
	writes := []struct{ key, value string }{
		{vault.KeyUserData, userJSON},
		{vault.KeyAuthToken, data.Token},
	}
	if data.RefreshToken != "" {
		writes = append(writes, struct{ key, value string }{vault.KeyRefreshToken, data.RefreshToken})
	}

	type staged struct {
		key     string
		prev    string
		existed bool
	}
	var done []staged
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			s := done[i]
			var err error
			if s.existed {
				err = m.vault.Set(ctx, s.key, s.prev)
			} else {
				err = m.vault.Delete(ctx, s.key)
			}
			if err != nil {
				obs.LogError("session", "roll back "+s.key, err)
			}
		}
	}

	for _, w := range writes {
		prev, err := m.vault.Get(ctx, w.key)
		existed := err == nil
		if err != nil && !errors.Is(err, vault.ErrNotFound) {
			rollback()
			return fmt.Errorf("read %s: %w", w.key, err)
		}
		if err := m.vault.Set(ctx, w.key, w.value); err != nil {
			rollback()
			return fmt.Errorf("persist %s: %w", w.key, err)
		}
		done = append(done, staged{key: w.key, prev: prev, existed: existed})
	}
	return nil
}

// RefreshToken exchanges the persisted refresh token for new credentials.
// It returns false without touching state when no refresh token is stored.
// Any other failure is fatal to the session: local state and storage are
// cleared and the caller is effectively logged out. The user record is never
// modified by a refresh.
func (m *Manager) RefreshToken(ctx context.Context) bool {
	return m.refresh(ctx, true)
}

func (m *Manager) refresh(ctx context.Context, fatal bool) bool {
	stored, err := m.vault.Get(ctx, vault.KeyRefreshToken)
	if errors.Is(err, vault.ErrNotFound) {
		return false
	}
	if err != nil {
		return m.refreshFailed(ctx, fatal, fmt.Errorf("read refresh_token: %w", err))
	}

	out, err := m.backend.Refresh(ctx, stored)
	if err != nil {
		return m.refreshFailed(ctx, fatal, err)
	}
	if out.Token == "" {
		return m.refreshFailed(ctx, fatal, errors.New("backend returned empty token"))
	}

	if err := m.vault.Set(ctx, vault.KeyAuthToken, out.Token); err != nil {
		return m.refreshFailed(ctx, fatal, fmt.Errorf("persist auth_token: %w", err))
	}
	if out.RefreshToken != "" {
		if err := m.vault.Set(ctx, vault.KeyRefreshToken, out.RefreshToken); err != nil {
			return m.refreshFailed(ctx, fatal, fmt.Errorf("persist refresh_token: %w", err))
		}
	}

	m.mu.Lock()
	m.token = out.Token
	m.mu.Unlock()
	obs.ObserveRefresh("success")
	_ = audit.LogEvent(ctx, "session.refresh.success", nil)
	m.publishChange()
	return true
}

func (m *Manager) refreshFailed(ctx context.Context, fatal bool, err error) bool {
	obs.ObserveRefresh("failure")
	if !fatal {
		obs.LogError("session", "refresh failed", err)
		return false
	}
	obs.LogError("session", "refresh failed, clearing session", err)
	_ = audit.LogEvent(ctx, "session.refresh.failure", map[string]any{"error": err.Error()})
	m.hardClear(ctx)
	m.publishChange()
	return false
}

// SignOut ends the session. The remote logout call is best-effort; local
// state and storage are always cleared regardless of its outcome.
func (m *Manager) SignOut(ctx context.Context) {
	m.setLoading(true)

	m.mu.Lock()
	token := m.token
	user := m.user
	m.mu.Unlock()

	if token != "" {
		if err := m.backend.Logout(ctx, token); err != nil {
			obs.LogError("session", "remote logout failed", err)
		}
	}

	m.hardClear(ctx)
	m.setLoading(false)

	fields := map[string]any{}
	if user != nil {
		fields["user_id"] = user.ID
	}
	_ = audit.LogEvent(ctx, "session.signout", fields)
	m.publishChange()
}

// hardClear erases the persisted mirror and nulls the in-memory session. It
// never fails: storage errors are logged and swallowed.
func (m *Manager) hardClear(ctx context.Context) {
	for _, key := range []string{vault.KeyUserData, vault.KeyAuthToken, vault.KeyRefreshToken} {
		if err := m.vault.Delete(ctx, key); err != nil {
			obs.LogError("session", "clear "+key, err)
		}
	}
	m.mu.Lock()
	m.user = nil
	m.token = ""
	m.mu.Unlock()
	obs.SetAuthenticated(false)
}

// Snapshot returns a point-in-time copy of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Token:         m.token,
		Authenticated: m.user != nil && m.token != "",
		Loading:       m.loading,
		SigningIn:     m.signingIn,
		Version:       m.version,
	}
	if m.user != nil {
		snap.User = m.user.Clone()
	}
	if exp, ok := TokenExpiry(m.token); ok {
		snap.TokenExpiresAt = exp
	}
	return snap
}

// User returns a copy of the current user, or nil.
func (m *Manager) User() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user.Clone()
}

// Token returns the current access token, empty when unauthenticated.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// IsAuthenticated reports whether both user and token are present.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user != nil && m.token != ""
}

// IsLoading reports whether a restore or sign-out is in progress.
func (m *Manager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Subscribe delivers session changes until ctx ends.
func (m *Manager) Subscribe(ctx context.Context) <-chan Change {
	return m.events.Subscribe(ctx)
}

func (m *Manager) setLoading(loading bool) {
	m.mu.Lock()
	m.loading = loading
	m.mu.Unlock()
}

func (m *Manager) publishChange() {
	m.mu.Lock()
	m.version++
	evt := Change{
		ID:            ids.New(),
		Version:       m.version,
		Authenticated: m.user != nil && m.token != "",
		At:            m.clock().UTC(),
	}
	if m.user != nil {
		evt.UserID = m.user.ID
	}
	m.mu.Unlock()
	m.events.Publish(evt)
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
