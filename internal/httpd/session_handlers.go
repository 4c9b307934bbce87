package httpd

import (
	"net/http"
	"strings"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleSession returns the current session snapshot. The access token never
// leaves the agent; the snapshot carries only its expiry.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Snapshot())
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	res := a.sessions.SignIn(r.Context(), req.Email, req.Password)

	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.Error == session.MsgLoginInProgress:
		writeJSON(w, http.StatusConflict, res)
	case len(res.ValidationErrors) > 0:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		writeJSON(w, http.StatusUnauthorized, res)
	}
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.sessions.SignOut(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"signedOut": true})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ok := a.sessions.RefreshToken(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed":     ok,
		"authenticated": a.sessions.IsAuthenticated(),
	})
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.accessView())
}

func (a *API) handleAccessRefetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.resolver.Refetch(r.Context())
	writeJSON(w, http.StatusOK, a.accessView())
}

func (a *API) accessView() map[string]any {
	return map[string]any{
		"roleInfo":         a.resolver.RoleInfo(),
		"hasChapterAccess": a.resolver.HasChapterAccess(),
		"loading":          a.resolver.IsLoading(),
	}
}
