// Package access derives the authorization posture for the current session:
// the role info fetched from the backend for non-admin users and the
// hasChapterAccess boolean that gates chapter-scoped features.
package access

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/audit"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/obs"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
)

// RoleInfo is the backend's authorization metadata for a non-admin user.
// AccessScope lists the chapter/region identifiers the user may act within;
// Raw carries the full payload for fields this core treats as opaque.
type RoleInfo struct {
	AccessScope []string        `json:"accessScope"`
	Raw         json.RawMessage `json:"-"`
}

// Fetcher retrieves role info using the supplied access token.
type Fetcher interface {
	RoleInfo(ctx context.Context, token string) (*RoleInfo, error)
}

// Resolver keeps RoleInfo in sync with the session without polling: it reacts
// to the manager's change events and refetches when the (authenticated,
// user id) pair moves. Fetch failures are never fatal; role info simply
// stays nil and access falls back to the member-association checks.
type Resolver struct {
	fetcher  Fetcher
	sessions *session.Manager

	mu       sync.Mutex
	roleInfo *RoleInfo
	loading  bool

	lastAuth   bool
	lastUserID int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResolver constructs the resolver and starts its reaction loop. Callers
// must Close it to stop the loop.
func NewResolver(fetcher Fetcher, sessions *session.Manager) *Resolver {
	r := &Resolver{
		fetcher:  fetcher,
		sessions: sessions,
		done:     make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	changes := sessions.Subscribe(ctx)
	go r.run(ctx, changes)
	return r
}

// Close stops the reaction loop.
func (r *Resolver) Close() {
	r.cancel()
	<-r.done
}

func (r *Resolver) run(ctx context.Context, changes <-chan session.Change) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-changes:
			if !ok {
				return
			}
			r.react(ctx, evt.Authenticated, evt.UserID)
		}
	}
}

// react applies the sync rules when the (authenticated, user id) pair changes:
// unauthenticated and admin sessions clear role info without a network call;
// non-admin authenticated sessions trigger a fetch.
func (r *Resolver) react(ctx context.Context, authenticated bool, userID int64) {
	r.mu.Lock()
	if authenticated == r.lastAuth && userID == r.lastUserID {
		r.mu.Unlock()
		return
	}
	r.lastAuth = authenticated
	r.lastUserID = userID
	r.mu.Unlock()

	if !authenticated {
		r.setRoleInfo(nil)
		return
	}
	user := r.sessions.User()
	if user.IsAdmin() {
		// Admins are granted full access by role, not by scope list.
		r.setRoleInfo(nil)
		return
	}
	r.fetch(ctx)
}

// Refetch re-runs the role-info fetch for the current session. It is a no-op
// for unauthenticated or admin sessions.
func (r *Resolver) Refetch(ctx context.Context) {
	if !r.sessions.IsAuthenticated() {
		r.setRoleInfo(nil)
		return
	}
	if r.sessions.User().IsAdmin() {
		r.setRoleInfo(nil)
		return
	}
	r.fetch(ctx)
}

func (r *Resolver) fetch(ctx context.Context) {
	r.setLoading(true)
	defer r.setLoading(false)

	start := time.Now()
	info, err := r.fetcher.RoleInfo(ctx, r.sessions.Token())
	if err != nil {
		obs.ObserveRoleFetch("failure", time.Since(start))
		obs.LogError("access", "role info fetch failed", err)
		_ = audit.LogEvent(ctx, "access.rolefetch.failure", map[string]any{"error": err.Error()})
		r.setRoleInfo(nil)
		return
	}
	obs.ObserveRoleFetch("success", time.Since(start))
	_ = audit.LogEvent(ctx, "access.rolefetch.success", map[string]any{"scopes": len(info.AccessScope)})
	r.setRoleInfo(info)
}

// RoleInfo returns the current role info, nil for unauthenticated or admin
// sessions and after fetch failures.
func (r *Resolver) RoleInfo() *RoleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roleInfo
}

// IsLoading reports whether a role-info fetch is in flight.
func (r *Resolver) IsLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// HasChapterAccess is recomputed from the current user and role info on every
// call, never cached: admin role, a member chapter association, or a
// non-empty access scope each grant access.
func (r *Resolver) HasChapterAccess() bool {
	user := r.sessions.User()
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}
	if user.Member != nil && (user.Member.ChapterID != nil || user.Member.Chapter != nil) {
		return true
	}
	info := r.RoleInfo()
	return info != nil && len(info.AccessScope) > 0
}

func (r *Resolver) setRoleInfo(info *RoleInfo) {
	r.mu.Lock()
	r.roleInfo = info
	r.mu.Unlock()
}

func (r *Resolver) setLoading(loading bool) {
	r.mu.Lock()
	r.loading = loading
	r.mu.Unlock()
}
