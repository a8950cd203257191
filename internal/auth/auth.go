// Package auth resolves API tokens to caller identities and decides who may
// mutate an encounter.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// bcrypt cost factor (12 is a good balance of security and performance)
const bcryptCost = 12

// Caller roles. Admins may mutate any encounter; gamemasters only their own.
const (
	RoleAdmin      = "admin"
	RoleGamemaster = "gamemaster"
	RolePlayer     = "player"
)

// ErrInvalidToken is returned when a token does not resolve to a caller.
// The message is deliberately uniform so callers cannot probe for ids.
var ErrInvalidToken = errors.New("invalid token")

// TokenEntry is one caller in the token registry file.
type TokenEntry struct {
	CallerID  string `yaml:"caller_id"`
	Role      string `yaml:"role"`
	TokenHash string `yaml:"token_hash"`
}

type registryFile struct {
	Tokens []TokenEntry `yaml:"tokens"`
}

// Registry holds the token registry loaded from YAML. Tokens are presented
// as "<caller_id>:<secret>" and verified against the stored bcrypt hash.
type Registry struct {
	entries map[string]TokenEntry
}

// LoadRegistry reads the token registry from a YAML file. A missing file
// yields an empty registry so a fresh server starts without credentials.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{entries: make(map[string]TokenEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	for _, entry := range file.Tokens {
		if entry.CallerID == "" || entry.TokenHash == "" {
			return nil, fmt.Errorf("token entry for %q is missing a caller id or hash", entry.CallerID)
		}
		if _, dup := r.entries[entry.CallerID]; dup {
			return nil, fmt.Errorf("duplicate token entry for %q", entry.CallerID)
		}
		if entry.Role == "" {
			entry.Role = RolePlayer
		}
		r.entries[entry.CallerID] = entry
	}

	return r, nil
}

// Add registers a caller with the given secret. Used by tests and the
// token-generation utility.
func (r *Registry) Add(callerID, role, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	if role == "" {
		role = RolePlayer
	}
	r.entries[callerID] = TokenEntry{CallerID: callerID, Role: role, TokenHash: string(hash)}
	return nil
}

// Authenticate resolves a presented token to a caller id. Any failure,
// unknown caller or wrong secret, returns ErrInvalidToken.
func (r *Registry) Authenticate(token string) (string, error) {
	callerID, secret, ok := strings.Cut(token, ":")
	if !ok || callerID == "" || secret == "" {
		return "", ErrInvalidToken
	}

	entry, exists := r.entries[callerID]
	if !exists {
		// Burn a comparison anyway so unknown ids take as long as bad secrets.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$12$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva"), []byte(secret))
		return "", ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.TokenHash), []byte(secret)); err != nil {
		return "", ErrInvalidToken
	}

	return callerID, nil
}

// Role returns the caller's role, or RolePlayer for unknown callers.
func (r *Registry) Role(callerID string) string {
	if entry, ok := r.entries[callerID]; ok {
		return entry.Role
	}
	return RolePlayer
}

// AddTokenToFile stores the bcrypt hash of the given secret in the token
// file and returns the full token to hand out. The secret itself is never
// written to disk.
func AddTokenToFile(path, callerID, role, secret string) (string, error) {
	if callerID == "" {
		return "", errors.New("caller id cannot be empty")
	}
	if strings.Contains(callerID, ":") {
		return "", errors.New("caller id cannot contain ':'")
	}

	var file registryFile
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return "", fmt.Errorf("failed to parse token file: %w", err)
		}
	}

	for _, entry := range file.Tokens {
		if entry.CallerID == callerID {
			return "", fmt.Errorf("caller %q already has a token", callerID)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	if role == "" {
		role = RolePlayer
	}
	file.Tokens = append(file.Tokens, TokenEntry{
		CallerID:  callerID,
		Role:      role,
		TokenHash: string(hash),
	})

	out, err := yaml.Marshal(&file)
	if err != nil {
		return "", fmt.Errorf("failed to encode token file: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}

	return callerID + ":" + secret, nil
}

// OwnerFunc reports the owner of an encounter. The second result is false
// when the encounter does not exist.
type OwnerFunc func(encounterID string) (string, bool)

// OwnerPolicy grants mutation rights to the encounter owner and to admins.
type OwnerPolicy struct {
	owner    OwnerFunc
	registry *Registry
}

// NewOwnerPolicy builds the default access policy over an owner lookup and
// the token registry.
func NewOwnerPolicy(owner OwnerFunc, registry *Registry) *OwnerPolicy {
	return &OwnerPolicy{owner: owner, registry: registry}
}

// CanMutate reports whether the caller may run mutating commands against
// the encounter. Unknown encounters always deny.
func (p *OwnerPolicy) CanMutate(callerID, encounterID string) bool {
	ownerID, exists := p.owner(encounterID)
	if !exists {
		return false
	}
	if callerID == ownerID {
		return true
	}
	return p.registry.Role(callerID) == RoleAdmin
}
