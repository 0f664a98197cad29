package session

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeIdentity(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "identity.json")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIdentityRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	id := &Identity{UserID: "u-42", Name: "Dana", Token: "tok"}
	if err := SaveIdentity("main", id); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}

	loaded, err := LoadIdentity("main")
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	if loaded.UserID != "u-42" || loaded.Token != "tok" {
		t.Errorf("loaded = %+v, want saved fields back", loaded)
	}
}

func TestLoadIdentityMissingFields(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := EnsureDir("main"); err != nil {
		t.Fatal(err)
	}
	writeIdentity(t, Dir("main"), `{"name":"Dana"}`)

	if _, err := LoadIdentity("main"); err == nil {
		t.Error("expected error for identity without user id and token")
	}
}

func jwtWithExp(exp int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))
	payload := base64.RawURLEncoding.EncodeToString(fmt.Appendf(nil, `{"exp":%d}`, exp))
	return header + "." + payload + ".sig"
}

func TestTokenValid(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	past := time.Now().Add(-time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"unexpired jwt", jwtWithExp(future), true},
		{"expired jwt", jwtWithExp(past), false},
		{"opaque token", "not-a-jwt", true},
		{"empty token", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{UserID: "u", Token: tt.token}
			if got := id.TokenValid(); got != tt.want {
				t.Errorf("TokenValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadPendingSearchAbsent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if got := ReadPendingSearch("main"); got != nil {
		t.Errorf("ReadPendingSearch() = %q, want nil when absent", got)
	}
}
