// Package webhooks delivers escrow lifecycle events to subscriber URLs.
//
// Each account holds at most one subscription. Deliveries are signed with
// HMAC-SHA256 over the raw body and retried on a fixed schedule; they are
// at-least-once, so subscribers must tolerate duplicates.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned when an account has no subscription.
var ErrNotFound = errors.New("webhook subscription not found")

// AllEvents lists every event a subscription can receive.
var AllEvents = []string{
	"escrow.created",
	"escrow.released",
	"escrow.refunded",
	"escrow.expired",
	"escrow.expiring_soon",
	"escrow.disputed",
	"escrow.dispute_pending_mediation",
	"escrow.resolved",
}

// Event is the JSON body of a delivery.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // Used for HMAC signing
	Events      []string   `json:"events"`
	Active      bool       `json:"active"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Wants reports whether the subscription receives eventType. An empty
// event list means every event.
func (s *Subscription) Wants(eventType string) bool {
	if !s.Active {
		return false
	}
	return len(s.Events) == 0 || slices.Contains(s.Events, eventType)
}

// Store persists webhook subscriptions
type Store interface {
	// Put creates the account's subscription or replaces its URL and
	// events. An existing secret is kept. It returns the stored row and
	// whether it was created.
	Put(ctx context.Context, sub *Subscription) (*Subscription, bool, error)
	GetByAccount(ctx context.Context, accountID string) (*Subscription, error)
	Delete(ctx context.Context, accountID string) error
	RecordResult(ctx context.Context, id string, at time.Time, deliveryErr string) error
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription // by account
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Put(_ context.Context, sub *Subscription) (*Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subs[sub.AccountID]; ok {
		existing.URL = sub.URL
		existing.Events = append([]string(nil), sub.Events...)
		existing.Active = true
		existing.UpdatedAt = sub.UpdatedAt
		cp := *existing
		return &cp, false, nil
	}
	cp := *sub
	m.subs[sub.AccountID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) GetByAccount(_ context.Context, accountID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[accountID]; !ok {
		return ErrNotFound
	}
	delete(m.subs, accountID)
	return nil
}

func (m *MemoryStore) RecordResult(_ context.Context, id string, at time.Time, deliveryErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.ID != id {
			continue
		}
		if deliveryErr == "" {
			sub.LastSuccess = &at
		}
		sub.LastError = deliveryErr
		return nil
	}
	return nil
}
