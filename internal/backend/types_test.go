package backend

import (
	"encoding/json"
	"testing"
)

func TestNormalizeValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{
			name: "flat map",
			raw:  `{"email": "required"}`,
			want: map[string]string{"email": "required"},
		},
		{
			name: "map of lists takes the first message",
			raw:  `{"email": ["required", "invalid"], "password": ["too short"]}`,
			want: map[string]string{"email": "required", "password": "too short"},
		},
		{
			name: "list of field objects",
			raw:  `[{"field": "email", "message": "required"}, {"field": "", "message": "ignored"}]`,
			want: map[string]string{"email": "required"},
		},
		{
			name: "empty",
			raw:  ``,
			want: nil,
		},
		{
			name: "unrecognized shape",
			raw:  `"oops"`,
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeValidationErrors(json.RawMessage(tc.raw))
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for field, msg := range tc.want {
				if got[field] != msg {
					t.Fatalf("field %s: got %q, want %q", field, got[field], msg)
				}
			}
		})
	}
}

func TestMessageOrDefault(t *testing.T) {
	if got := messageOrDefault("err", "msg", "fallback"); got != "err" {
		t.Fatalf("got %q", got)
	}
	if got := messageOrDefault("", "msg", "fallback"); got != "msg" {
		t.Fatalf("got %q", got)
	}
	if got := messageOrDefault("", "", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
}
