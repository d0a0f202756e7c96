package session

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{"user id wins", Params{UserID: "42", Token: "guest_abc"}, "auth_42"},
		{"already prefixed user id", Params{UserID: "auth_42"}, "auth_42"},
		{"stored token", Params{Token: "guest_abc"}, "guest_abc"},
		{"token is trimmed", Params{Token: "  guest_abc \n"}, "guest_abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.params); got != tt.want {
				t.Errorf("Resolve(%+v) = %q, want %q", tt.params, got, tt.want)
			}
		})
	}
}

func TestResolve_GeneratesWhenEmpty(t *testing.T) {
	for _, p := range []Params{{}, {Token: "   "}, {Token: strings.Repeat("x", 500)}} {
		id := Resolve(p)
		if !strings.HasPrefix(id, PrefixAnonymous) {
			t.Errorf("expected anonymous id for %+v, got %q", p, id)
		}
	}

	if Resolve(Params{}) == Resolve(Params{}) {
		t.Error("expected distinct generated ids")
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	anon := NewAnonymousID()
	if !strings.HasPrefix(anon, PrefixAnonymous) {
		t.Errorf("expected anonymous prefix, got %q", anon)
	}
	if AuthID(anon) == anon {
		t.Error("auth and anonymous namespaces collide")
	}
	if AuthID("auth_abc") != "auth_abc" {
		t.Error("AuthID should not double the prefix")
	}
}
