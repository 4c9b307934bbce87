package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/vault"
)

type fakeBackend struct {
	mu sync.Mutex

	loginOutcome LoginOutcome
	loginErr     error
	loginGate    chan struct{} // when set, Login blocks until it is closed
	loginCalls   int

	refreshOutcome RefreshOutcome
	refreshErr     error
	refreshCalls   int

	logoutErr   error
	logoutCalls int
}

func (f *fakeBackend) Login(ctx context.Context, creds Credentials) (LoginOutcome, error) {
	f.mu.Lock()
	f.loginCalls++
	gate := f.loginGate
	outcome, err := f.loginOutcome, f.loginErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return outcome, err
}

func (f *fakeBackend) Refresh(ctx context.Context, refreshToken string) (RefreshOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshOutcome, f.refreshErr
}

func (f *fakeBackend) Logout(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeBackend) setLoginOutcome(o LoginOutcome) {
	f.mu.Lock()
	f.loginOutcome = o
	f.mu.Unlock()
}

func (f *fakeBackend) calls() (login, refresh, logout int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.refreshCalls, f.logoutCalls
}

func testUser() *User {
	memberID := int64(7)
	chapterID := int64(3)
	return &User{
		ID:       42,
		Email:    "member@bbng.test",
		Name:     "Test Member",
		Role:     "member",
		Active:   true,
		MemberID: &memberID,
		Member: &Member{
			ID:        memberID,
			Name:      "Test Member",
			ChapterID: &chapterID,
		},
	}
}

func successOutcome() LoginOutcome {
	return LoginOutcome{Data: &LoginData{
		User:         testUser(),
		Token:        "access-token",
		RefreshToken: "refresh-token",
		RedirectURL:  "/member/dashboard",
	}}
}

func newTestManager(t *testing.T, backend Backend) (*Manager, *vault.Memory) {
	t.Helper()
	store := vault.NewMemory()
	m, err := NewManager(store, backend)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func seedVault(t *testing.T, store *vault.Memory, user *User, token, refresh string) {
	t.Helper()
	ctx := context.Background()
	if user != nil {
		data, err := json.Marshal(user)
		if err != nil {
			t.Fatalf("marshal user: %v", err)
		}
		if err := store.Set(ctx, vault.KeyUserData, string(data)); err != nil {
			t.Fatalf("seed user_data: %v", err)
		}
	}
	if token != "" {
		if err := store.Set(ctx, vault.KeyAuthToken, token); err != nil {
			t.Fatalf("seed auth_token: %v", err)
		}
	}
	if refresh != "" {
		if err := store.Set(ctx, vault.KeyRefreshToken, refresh); err != nil {
			t.Fatalf("seed refresh_token: %v", err)
		}
	}
}

func vaultEmpty(t *testing.T, store *vault.Memory) {
	t.Helper()
	ctx := context.Background()
	for _, key := range []string{vault.KeyUserData, vault.KeyAuthToken, vault.KeyRefreshToken} {
		if _, err := store.Get(ctx, key); !errors.Is(err, vault.ErrNotFound) {
			t.Fatalf("expected %s to be cleared, got err=%v", key, err)
		}
	}
}

func TestNewManagerStartsLoading(t *testing.T) {
	m, _ := newTestManager(t, &fakeBackend{})
	if !m.IsLoading() {
		t.Fatal("new manager should be loading until Restore runs")
	}
	if m.IsAuthenticated() {
		t.Fatal("new manager should not be authenticated")
	}
}

func TestRestoreEmptyVault(t *testing.T) {
	m, _ := newTestManager(t, &fakeBackend{})
	m.Restore(context.Background())

	if m.IsAuthenticated() {
		t.Fatal("expected unauthenticated session")
	}
	if m.IsLoading() {
		t.Fatal("loading should drop after Restore")
	}
}

func TestRestoreValidSession(t *testing.T) {
	backend := &fakeBackend{refreshErr: errors.New("backend down")}
	m, store := newTestManager(t, backend)
	seedVault(t, store, testUser(), "stored-token", "stored-refresh")

	m.Restore(context.Background())

	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated session")
	}
	if got := m.Token(); got != "stored-token" {
		t.Fatalf("opportunistic refresh failure must keep stored token, got %q", got)
	}
	if user := m.User(); user == nil || user.ID != 42 {
		t.Fatalf("unexpected restored user: %+v", user)
	}
	if _, refresh, _ := backend.calls(); refresh != 1 {
		t.Fatalf("expected one opportunistic refresh, got %d", refresh)
	}
}

func TestRestoreOpportunisticRefreshRotatesToken(t *testing.T) {
	backend := &fakeBackend{refreshOutcome: RefreshOutcome{Token: "rotated", RefreshToken: "rotated-refresh"}}
	m, store := newTestManager(t, backend)
	seedVault(t, store, testUser(), "stored-token", "stored-refresh")

	m.Restore(context.Background())

	if got := m.Token(); got != "rotated" {
		t.Fatalf("expected rotated token, got %q", got)
	}
	if v, err := store.Get(context.Background(), vault.KeyRefreshToken); err != nil || v != "rotated-refresh" {
		t.Fatalf("rotated refresh token not persisted: %q err=%v", v, err)
	}
}

func TestRestoreTokenWithoutUser(t *testing.T) {
	m, store := newTestManager(t, &fakeBackend{})
	seedVault(t, store, nil, "stored-token", "")

	m.Restore(context.Background())

	if m.IsAuthenticated() {
		t.Fatal("token without user must not authenticate")
	}
}

func TestRestoreUserWithoutToken(t *testing.T) {
	m, store := newTestManager(t, &fakeBackend{})
	seedVault(t, store, testUser(), "", "")

	m.Restore(context.Background())

	if m.IsAuthenticated() {
		t.Fatal("user without token must not authenticate")
	}
}

func TestRestoreCorruptUserDataClears(t *testing.T) {
	m, store := newTestManager(t, &fakeBackend{})
	ctx := context.Background()
	if err := store.Set(ctx, vault.KeyUserData, "{not json"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, vault.KeyAuthToken, "stored-token"); err != nil {
		t.Fatal(err)
	}

	m.Restore(ctx)

	if m.IsAuthenticated() {
		t.Fatal("corrupt user_data must not authenticate")
	}
	vaultEmpty(t, store)
}

func TestSignInSuccess(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	m, store := newTestManager(t, backend)
	ctx := context.Background()

	res := m.SignIn(ctx, "member@bbng.test", "secret")

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.RedirectURL != "/member/dashboard" {
		t.Fatalf("unexpected redirect: %q", res.RedirectURL)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated session")
	}

	for key, want := range map[string]string{
		vault.KeyAuthToken:    "access-token",
		vault.KeyRefreshToken: "refresh-token",
	} {
		if v, err := store.Get(ctx, key); err != nil || v != want {
			t.Fatalf("%s=%q err=%v, want %q", key, v, err, want)
		}
	}
	raw, err := store.Get(ctx, vault.KeyUserData)
	if err != nil {
		t.Fatalf("user_data not persisted: %v", err)
	}
	var persisted User
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("persisted user_data not JSON: %v", err)
	}
	if persisted.ID != 42 {
		t.Fatalf("unexpected persisted user: %+v", persisted)
	}
}

func TestSignInDefaultRedirect(t *testing.T) {
	outcome := successOutcome()
	outcome.Data.RedirectURL = ""
	m, _ := newTestManager(t, &fakeBackend{loginOutcome: outcome})

	res := m.SignIn(context.Background(), "member@bbng.test", "secret")
	if res.RedirectURL != defaultRedirectURL {
		t.Fatalf("expected default redirect, got %q", res.RedirectURL)
	}
}

// failingStore wraps Memory and fails writes to one key.
type failingStore struct {
	*vault.Memory
	failKey string
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if key == s.failKey {
		return errors.New("disk full")
	}
	return s.Memory.Set(ctx, key, value)
}

func TestSignInPersistFailureKeepsPreviousMirror(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	store := &failingStore{Memory: vault.NewMemory()}
	m, err := NewManager(store, backend)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	// A second user's login fails mid-persist; the mirror must still belong
	// entirely to the first user.
	backend.setLoginOutcome(LoginOutcome{Data: &LoginData{
		User:         &User{ID: 99, Email: "other@bbng.test", Role: "member"},
		Token:        "other-token",
		RefreshToken: "other-refresh",
	}})
	store.failKey = vault.KeyAuthToken

	res := m.SignIn(ctx, "other@bbng.test", "secret")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != msgLoginFailed {
		t.Fatalf("unexpected error: %q", res.Error)
	}

	raw, err := store.Get(ctx, vault.KeyUserData)
	if err != nil {
		t.Fatalf("user_data: %v", err)
	}
	var persisted User
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("user_data not JSON: %v", err)
	}
	if persisted.ID != 42 {
		t.Fatalf("user_data mutated by failed sign-in: %+v", persisted)
	}
	if v, _ := store.Get(ctx, vault.KeyAuthToken); v != "access-token" {
		t.Fatalf("auth_token mutated: %q", v)
	}
	if v, _ := store.Get(ctx, vault.KeyRefreshToken); v != "refresh-token" {
		t.Fatalf("refresh_token mutated: %q", v)
	}
	if user := m.User(); user == nil || user.ID != 42 {
		t.Fatalf("in-memory user mutated: %+v", user)
	}
	if got := m.Token(); got != "access-token" {
		t.Fatalf("in-memory token mutated: %q", got)
	}
}

func TestSignInPersistFailureFromColdStart(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	store := &failingStore{Memory: vault.NewMemory(), failKey: vault.KeyAuthToken}
	m, err := NewManager(store, backend)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	res := m.SignIn(ctx, "member@bbng.test", "secret")
	if res.Success {
		t.Fatal("expected failure")
	}
	if m.IsAuthenticated() {
		t.Fatal("must stay unauthenticated")
	}
	vaultEmpty(t, store.Memory)
}

func TestSignInTransportError(t *testing.T) {
	m, store := newTestManager(t, &fakeBackend{loginErr: errors.New("connection refused")})

	res := m.SignIn(context.Background(), "member@bbng.test", "secret")

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != msgLoginFailed {
		t.Fatalf("transport errors must map to the generic message, got %q", res.Error)
	}
	if m.IsAuthenticated() {
		t.Fatal("must stay unauthenticated")
	}
	vaultEmpty(t, store)
}

func TestSignInValidationErrors(t *testing.T) {
	m, _ := newTestManager(t, &fakeBackend{loginOutcome: LoginOutcome{
		ValidationErrors: map[string]string{"email": "invalid email"},
	}})

	res := m.SignIn(context.Background(), "nope", "secret")

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ValidationErrors["email"] != "invalid email" {
		t.Fatalf("validation errors not surfaced: %+v", res)
	}
}

func TestSignInRejectionMessage(t *testing.T) {
	m, _ := newTestManager(t, &fakeBackend{loginOutcome: LoginOutcome{Message: "Account disabled"}})

	res := m.SignIn(context.Background(), "member@bbng.test", "secret")

	if res.Success || res.Error != "Account disabled" {
		t.Fatalf("expected backend message, got %+v", res)
	}
}

func TestSignInConcurrentBlocked(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{loginOutcome: successOutcome(), loginGate: gate}
	m, _ := newTestManager(t, backend)
	ctx := context.Background()

	firstDone := make(chan SignInResult, 1)
	go func() { firstDone <- m.SignIn(ctx, "member@bbng.test", "secret") }()

	// Wait for the first call to take the guard.
	deadline := time.After(2 * time.Second)
	for {
		if m.Snapshot().SigningIn {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first sign-in never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second := m.SignIn(ctx, "member@bbng.test", "secret")
	if second.Success {
		t.Fatal("concurrent sign-in must not succeed")
	}
	if second.Error != MsgLoginInProgress {
		t.Fatalf("expected %q, got %q", MsgLoginInProgress, second.Error)
	}
	if login, _, _ := backend.calls(); login != 1 {
		t.Fatalf("blocked sign-in must not hit the backend, calls=%d", login)
	}

	close(gate)
	first := <-firstDone
	if !first.Success {
		t.Fatalf("first sign-in should succeed: %+v", first)
	}

	// Guard released; a later attempt reaches the backend again.
	third := m.SignIn(ctx, "member@bbng.test", "secret")
	if !third.Success {
		t.Fatalf("post-release sign-in should succeed: %+v", third)
	}
}

func TestRefreshTokenNoStoredToken(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	backend.loginOutcome.Data.RefreshToken = ""
	m, _ := newTestManager(t, backend)
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	if m.RefreshToken(ctx) {
		t.Fatal("refresh without a stored token must report false")
	}
	if !m.IsAuthenticated() {
		t.Fatal("missing refresh token must not clear the session")
	}
	if _, refresh, _ := backend.calls(); refresh != 0 {
		t.Fatalf("backend must not be called, refresh calls=%d", refresh)
	}
}

func TestRefreshTokenSuccess(t *testing.T) {
	backend := &fakeBackend{
		loginOutcome:   successOutcome(),
		refreshOutcome: RefreshOutcome{Token: "new-access", RefreshToken: "new-refresh"},
	}
	m, store := newTestManager(t, backend)
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}
	userBefore := m.User()

	if !m.RefreshToken(ctx) {
		t.Fatal("expected refresh to succeed")
	}
	if got := m.Token(); got != "new-access" {
		t.Fatalf("token not updated: %q", got)
	}
	if v, _ := store.Get(ctx, vault.KeyAuthToken); v != "new-access" {
		t.Fatalf("auth_token not persisted: %q", v)
	}
	if v, _ := store.Get(ctx, vault.KeyRefreshToken); v != "new-refresh" {
		t.Fatalf("refresh_token not rotated: %q", v)
	}
	userAfter := m.User()
	if userAfter == nil || userAfter.ID != userBefore.ID || userAfter.Email != userBefore.Email {
		t.Fatalf("refresh must never modify the user: before=%+v after=%+v", userBefore, userAfter)
	}
}

func TestRefreshTokenFailureClearsSession(t *testing.T) {
	backend := &fakeBackend{
		loginOutcome: successOutcome(),
		refreshErr:   errors.New("refresh token revoked"),
	}
	m, store := newTestManager(t, backend)
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	if m.RefreshToken(ctx) {
		t.Fatal("expected refresh to fail")
	}
	if m.IsAuthenticated() {
		t.Fatal("failed refresh must clear the session")
	}
	vaultEmpty(t, store)
}

func TestSignOutClearsEverything(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	m, store := newTestManager(t, backend)
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	m.SignOut(ctx)

	if m.IsAuthenticated() {
		t.Fatal("expected unauthenticated session")
	}
	if m.IsLoading() {
		t.Fatal("loading must drop after sign-out")
	}
	vaultEmpty(t, store)
	if _, _, logout := backend.calls(); logout != 1 {
		t.Fatalf("expected one remote logout, got %d", logout)
	}
}

func TestSignOutSurvivesRemoteFailure(t *testing.T) {
	backend := &fakeBackend{
		loginOutcome: successOutcome(),
		logoutErr:    errors.New("backend down"),
	}
	m, store := newTestManager(t, backend)
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	m.SignOut(ctx)

	if m.IsAuthenticated() {
		t.Fatal("local clear must proceed despite remote failure")
	}
	vaultEmpty(t, store)
}

func TestSnapshotIsACopy(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	m, _ := newTestManager(t, backend)
	ctx := context.Background()

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	snap := m.Snapshot()
	snap.User.Email = "tampered@bbng.test"
	if m.User().Email != "member@bbng.test" {
		t.Fatal("snapshot mutation leaked into manager state")
	}
}

func TestColdStartThroughSignIn(t *testing.T) {
	backend := &fakeBackend{loginOutcome: LoginOutcome{Data: &LoginData{
		User:         &User{ID: 1, Email: "a@b.com", Name: "A", Role: "member"},
		Token:        "T1",
		RefreshToken: "R1",
		RedirectURL:  "/home",
	}}}
	m, store := newTestManager(t, backend)
	ctx := context.Background()

	m.Restore(ctx)
	if m.IsLoading() || m.IsAuthenticated() {
		t.Fatalf("cold start should settle unauthenticated: loading=%v auth=%v",
			m.IsLoading(), m.IsAuthenticated())
	}

	res := m.SignIn(ctx, "a@b.com", "pw")
	if !res.Success || res.RedirectURL != "/home" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated session")
	}
	for _, key := range []string{vault.KeyUserData, vault.KeyAuthToken, vault.KeyRefreshToken} {
		if _, err := store.Get(ctx, key); err != nil {
			t.Fatalf("key %s not persisted: %v", key, err)
		}
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	backend := &fakeBackend{loginOutcome: successOutcome()}
	m, _ := newTestManager(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := m.Subscribe(ctx)

	if res := m.SignIn(ctx, "member@bbng.test", "secret"); !res.Success {
		t.Fatalf("sign in: %+v", res)
	}

	select {
	case evt := <-changes:
		if !evt.Authenticated || evt.UserID != 42 {
			t.Fatalf("unexpected change: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event after sign-in")
	}

	m.SignOut(ctx)
	select {
	case evt := <-changes:
		if evt.Authenticated {
			t.Fatalf("expected unauthenticated change: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event after sign-out")
	}
}
