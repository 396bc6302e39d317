// Package auth provides API authentication for the settlement API.
//
// Authentication model:
// - Registration, health and stats are public
// - Everything else requires an API key (Authorization: Bearer sk_...)
// - Operator actions accept an operator account's key or an HS256 JWT
//   carrying role=operator
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/settlement/internal/ledger"
)

// Errors
var (
	ErrNoAPIKey         = errors.New("API key required")
	ErrInvalidAPIKey    = errors.New("invalid or revoked API key")
	ErrKeyNotFound      = errors.New("API key not found")
	ErrAccountSuspended = errors.New("account is suspended")
	ErrInvalidToken     = errors.New("invalid operator token")
)

const keyPrefix = "sk_"

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string) error
}

// AccountLookup resolves the account behind a key. *ledger.Ledger
// satisfies it.
type AccountLookup interface {
	GetAccount(ctx context.Context, accountID string) (*ledger.Account, error)
}

// Principal is the authenticated caller.
type Principal struct {
	AccountID  string
	IsOperator bool
	Method     string // "api_key" or "jwt"
}

// Manager handles authentication
type Manager struct {
	store     Store
	accounts  AccountLookup
	jwtSecret []byte
}

// NewManager creates a new auth manager. An empty jwtSecret disables
// operator tokens.
func NewManager(store Store, accounts AccountLookup, jwtSecret string) *Manager {
	m := &Manager{store: store, accounts: accounts}
	if jwtSecret != "" {
		m.jwtSecret = []byte(jwtSecret)
	}
	return m
}

// GenerateKey creates a new API key for an account.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, accountID, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := keyPrefix + hex.EncodeToString(b)
	key, err := m.ImportKey(ctx, accountID, rawKey, name)
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ImportKey stores a caller-chosen raw key, as the operator bootstrap does.
func (m *Manager) ImportKey(ctx context.Context, accountID, rawKey, name string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) < len(keyPrefix)+16 {
		return nil, fmt.Errorf("%w: keys must start with %s and carry at least 16 characters", ErrInvalidAPIKey, keyPrefix)
	}
	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	key := &APIKey{
		ID:        "ak_" + hex.EncodeToString(id),
		Hash:      hashKey(rawKey),
		AccountID: accountID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func(id string) {
		_ = m.store.Touch(context.Background(), id, time.Now().UTC())
	}(key.ID)

	return key, nil
}

// Authenticate resolves a bearer credential: an API key, or an operator
// JWT when a secret is configured.
func (m *Manager) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(credential, keyPrefix) && m.jwtSecret != nil {
		subject, err := m.ParseOperatorToken(credential)
		if err != nil {
			return nil, err
		}
		return &Principal{AccountID: subject, IsOperator: true, Method: "jwt"}, nil
	}

	key, err := m.ValidateKey(ctx, credential)
	if err != nil {
		return nil, err
	}
	acct, err := m.accounts.GetAccount(ctx, key.AccountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if acct.Status == ledger.AccountSuspended {
		return nil, ErrAccountSuspended
	}
	return &Principal{AccountID: acct.ID, IsOperator: acct.IsOperator(), Method: "api_key"}, nil
}

// ListKeys returns all keys for an account.
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.ListByAccount(ctx, accountID)
}

// RevokeKey revokes one of the account's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	keys, err := m.store.ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return m.store.Revoke(ctx, k.ID)
		}
	}
	return ErrKeyNotFound
}

type operatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueOperatorToken signs an operator token for subject valid for ttl.
func (m *Manager) IssueOperatorToken(subject string, ttl time.Duration) (string, error) {
	if m.jwtSecret == nil {
		return "", errors.New("operator tokens are disabled")
	}
	now := time.Now()
	claims := operatorClaims{
		Role: string(ledger.RoleOperator),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

// ParseOperatorToken verifies an HS256 token and returns its subject.
func (m *Manager) ParseOperatorToken(raw string) (string, error) {
	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return m.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != string(ledger.RoleOperator) || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Hash == key.Hash {
			return fmt.Errorf("duplicate API key")
		}
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = &at
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}
