package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

// Permission is a single grantable capability (spec §4.2: "each tool maps to
// a required permission tag").
type Permission string

const (
	CanInit         Permission = "CanInit"
	CanJoin         Permission = "CanJoin"
	CanClaimTask    Permission = "CanClaimTask"
	CanBroadcast    Permission = "CanBroadcast"
	CanLock         Permission = "CanLock"
	CanVote         Permission = "CanVote"
	CanPortal       Permission = "CanPortal"
	CanAdmin        Permission = "CanAdmin"
	CanWalphControl Permission = "CanWalphControl"
)

// Role is a named, static set of permissions.
type Role string

const (
	RoleWorker Role = "worker" // default role for a session bearing no token
	RoleAdmin  Role = "admin"
)

var rolePermissions = map[Role]map[Permission]bool{
	RoleWorker: {
		CanJoin:         true,
		CanClaimTask:    true,
		CanBroadcast:    true,
		CanLock:         true,
		CanVote:         true,
		CanPortal:       true,
		CanWalphControl: true,
	},
	RoleAdmin: {
		CanInit:         true,
		CanJoin:         true,
		CanClaimTask:    true,
		CanBroadcast:    true,
		CanLock:         true,
		CanVote:         true,
		CanPortal:       true,
		CanAdmin:        true,
		CanWalphControl: true,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return rolePermissions[role][perm]
}

// token is the durable record the AuthStore keeps; only its hash is stored,
// never the plaintext (spec §4.2: "tokens are stored as SHA-256 hashes").
type token struct {
	hash      string
	agentName string
	role      Role
	expiresAt time.Time
}

// AuthStore issues and verifies agent tokens and the one-time room secret.
// Build it with NewAuthStore: the zero value has no token table or clock.
// CreateToken and Verify work whether or not Enable has run; Enable only
// switches on permission enforcement (see Gate.Authorize).
type AuthStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	enabled bool
	tokens  map[string]*token // keyed by hash
	ttl     time.Duration
}

// NewAuthStore constructs an AuthStore with the given default token TTL.
func NewAuthStore(clk clock.Clock, tokenTTL time.Duration) *AuthStore {
	return &AuthStore{
		clock:  clk,
		tokens: make(map[string]*token),
		ttl:    tokenTTL,
	}
}

// Enable turns on auth enforcement and returns the room secret once. The
// secret itself is never persisted by this store — callers are expected to
// hash and store it the same way as agent tokens if they want to verify it
// later.
func (s *AuthStore) Enable() (secret string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return uuid.New().String(), nil
}

// Enabled reports whether auth enforcement is active.
func (s *AuthStore) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// CreateToken mints a new token for agentName with role, returning the
// plaintext once. Only its SHA-256 hash is retained.
func (s *AuthStore) CreateToken(agentName string, role Role) (plaintext string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", masceerr.NewInternalError("token entropy", err)
	}
	plaintext = hex.EncodeToString(raw)
	h := hashToken(plaintext)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[h] = &token{
		hash:      h,
		agentName: agentName,
		role:      role,
		expiresAt: s.clock.Now().Add(s.ttl),
	}
	return plaintext, nil
}

// Verify rehashes plaintext and looks up the matching token record,
// returning its agent name and role. Fails with InvalidToken on mismatch,
// TokenExpired if the TTL has elapsed.
func (s *AuthStore) Verify(plaintext string) (agentName string, role Role, err error) {
	h := hashToken(plaintext)

	s.mu.RLock()
	t, ok := s.tokens[h]
	s.mu.RUnlock()
	if !ok {
		return "", "", &masceerr.InvalidTokenError{}
	}
	if s.clock.Now().After(t.expiresAt) {
		return "", "", &masceerr.TokenExpiredError{Agent: t.agentName}
	}
	return t.agentName, t.role, nil
}

// hashToken matches teranos-QNTX/auth's hex(sha256(token)) scheme.
func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
