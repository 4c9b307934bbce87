package backend

import (
	"encoding/json"
	"strings"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
)

// envelope lets do hand the raw body to envelopes that need it.
type envelope interface {
	setRaw(data []byte)
}

type baseEnvelope struct {
	raw json.RawMessage
}

func (e *baseEnvelope) setRaw(data []byte) { e.raw = data }

type loginEnvelope struct {
	baseEnvelope
	Success bool `json:"success"`
	Data    *struct {
		User         *session.User `json:"user"`
		Token        string        `json:"token"`
		RefreshToken string        `json:"refreshToken"`
		RedirectURL  string        `json:"redirectUrl"`
	} `json:"data"`
	ValidationErrors json.RawMessage `json:"validationErrors"`
	Error            string          `json:"error"`
	Message          string          `json:"message"`
}

type refreshEnvelope struct {
	baseEnvelope
	Success      bool   `json:"success"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Error        string `json:"error"`
	Message      string `json:"message"`
}

type roleInfoEnvelope struct {
	baseEnvelope
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// normalizeValidationErrors flattens the shapes the backend has been observed
// to emit into a field-to-message map:
//
//	{"email": "required"}
//	{"email": ["required", "invalid"]}
//	[{"field": "email", "message": "required"}]
func normalizeValidationErrors(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}

	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return flat
	}

	var multi map[string][]string
	if err := json.Unmarshal(raw, &multi); err == nil && len(multi) > 0 {
		out := make(map[string]string, len(multi))
		for field, msgs := range multi {
			if len(msgs) > 0 {
				out[field] = msgs[0]
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	var list []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		out := make(map[string]string, len(list))
		for _, item := range list {
			field := strings.TrimSpace(item.Field)
			if field == "" {
				continue
			}
			out[field] = item.Message
		}
		if len(out) > 0 {
			return out
		}
	}

	return nil
}

func messageFrom(errMsg, message string) string {
	if errMsg != "" {
		return errMsg
	}
	return message
}

func messageOrDefault(errMsg, message, fallback string) string {
	if msg := messageFrom(errMsg, message); msg != "" {
		return msg
	}
	return fallback
}
