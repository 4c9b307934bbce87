// Package session owns the authentication lifecycle against the remote BBNG
// backend: sign-in, credential persistence, token refresh and sign-out. The
// Manager is the single writer of the persisted session mirror; everything
// else observes it through snapshots or change events.
package session

import (
	"context"
	"strings"
	"time"
)

// User is the authenticated identity as returned by the BBNG backend.
type User struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      string     `json:"role,omitempty"`
	Active    bool       `json:"active"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
	MemberID  *int64     `json:"memberId,omitempty"`
	Member    *Member    `json:"member,omitempty"`
}

// Member is the user's membership record, when one exists.
type Member struct {
	ID        int64    `json:"id"`
	Name      string   `json:"memberName,omitempty"`
	ChapterID *int64   `json:"chapterId,omitempty"`
	Chapter   *Chapter `json:"chapter,omitempty"`
}

// Chapter identifies the chapter a member belongs to.
type Chapter struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// IsAdmin reports whether the user carries the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && strings.EqualFold(strings.TrimSpace(u.Role), "admin")
}

// Clone returns a deep copy so callers can never mutate the manager's state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.LastLogin != nil {
		t := *u.LastLogin
		out.LastLogin = &t
	}
	if u.MemberID != nil {
		id := *u.MemberID
		out.MemberID = &id
	}
	if u.Member != nil {
		member := *u.Member
		if u.Member.ChapterID != nil {
			id := *u.Member.ChapterID
			member.ChapterID = &id
		}
		if u.Member.Chapter != nil {
			chapter := *u.Member.Chapter
			member.Chapter = &chapter
		}
		out.Member = &member
	}
	return &out
}

// Credentials are the sign-in inputs forwarded to the backend.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginData is the payload of a fully successful login.
type LoginData struct {
	User         *User
	Token        string
	RefreshToken string
	RedirectURL  string
}

// LoginOutcome is a non-transport login result. Exactly one of the following
// holds: Data is set (success), ValidationErrors is non-empty (field errors),
// or only Message is set (generic rejection).
type LoginOutcome struct {
	Data             *LoginData
	ValidationErrors map[string]string
	Message          string
}

// RefreshOutcome carries the rotated credentials. RefreshToken is empty when
// the backend did not rotate it.
type RefreshOutcome struct {
	Token        string
	RefreshToken string
}

// Backend is the remote authentication contract. Implementations return an
// error only for transport-level or unexpected failures; business rejections
// travel inside LoginOutcome.
type Backend interface {
	Login(ctx context.Context, creds Credentials) (LoginOutcome, error)
	Refresh(ctx context.Context, refreshToken string) (RefreshOutcome, error)
	// Logout is best-effort; the manager clears local state regardless.
	Logout(ctx context.Context, token string) error
}

// SignInResult is what SignIn hands back to callers. SignIn never fails with
// an error value; every failure mode is folded into this shape.
type SignInResult struct {
	Success          bool              `json:"success"`
	RedirectURL      string            `json:"redirectUrl,omitempty"`
	Error            string            `json:"error,omitempty"`
	ValidationErrors map[string]string `json:"validationErrors,omitempty"`
}

// Snapshot is a point-in-time read of the session.
type Snapshot struct {
	User           *User     `json:"user"`
	Token          string    `json:"-"`
	Authenticated  bool      `json:"authenticated"`
	Loading        bool      `json:"loading"`
	SigningIn      bool      `json:"signingIn"`
	Version        uint64    `json:"version"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitzero"`
}
