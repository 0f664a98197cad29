package session

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Identity is the persisted login record for a session: the current user
// and the bearer token the web client would keep under its "user" storage
// key. The daemon reads it at startup and never refreshes it itself.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// LoadIdentity reads the identity file for a session.
func LoadIdentity(name string) (*Identity, error) {
	data, err := os.ReadFile(IdentityPath(name))
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if id.UserID == "" || id.Token == "" {
		return nil, fmt.Errorf("identity file is missing user id or token")
	}
	return &id, nil
}

// SaveIdentity writes the identity file with owner-only permissions.
func SaveIdentity(name string, id *Identity) error {
	if err := EnsureDir(name); err != nil {
		return err
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(IdentityPath(name), data, 0600)
}

// TokenValid reports whether the bearer token is a JWT whose expiry, if
// present, has not passed. Tokens without a readable exp claim are assumed
// valid; the server is the authority either way.
func (id *Identity) TokenValid() bool {
	parts := strings.Split(id.Token, ".")
	if len(parts) != 3 {
		return id.Token != ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return true
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return true
	}
	return time.Now().Unix() < claims.Exp
}

// ReadPendingSearch returns the raw pending-search record stashed by the
// web client before a forced login, or nil if none exists. The daemon
// never writes this file.
func ReadPendingSearch(name string) json.RawMessage {
	data, err := os.ReadFile(PendingSearchPath(name))
	if err != nil || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}
