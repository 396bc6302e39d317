// Package escrow holds funds between a requester and a provider until the
// work is accepted or abandoned.
//
// Flow:
//  1. Requester creates an escrow: amount+fee moves available -> held
//  2. Requester releases: amount goes to the provider, fee to the platform
//  3. Requester refunds, or the TTL lapses: amount+fee moves held -> available
//  4. Either party disputes: funds stay held until an operator resolves
//
// Escrow rows move in the same ledger transaction as the funds they hold.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/settlement/internal/ledger"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrNotAuthorized   = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrSelfEscrow      = errors.New("requester and provider must differ")
	ErrAlreadyResolved = errors.New("escrow already resolved")
	ErrDisputed        = errors.New("escrow is disputed and awaits operator resolution")
	ErrNotDisputed     = errors.New("escrow is not disputed")
	ErrInvalidRequest  = errors.New("invalid request")

	ErrInvalidResolution      = errors.New("resolution must be release or refund")
	ErrProviderInactive       = errors.New("provider account is not active")
	ErrRequesterSuspended     = errors.New("requester account is suspended")
	ErrDependencyNotSatisfied = errors.New("dependencies not yet released")
	ErrInvalidTransition      = errors.New("invalid escrow status transition")
	ErrNotDue                 = errors.New("escrow has not reached its expiry")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusExpired  Status = "expired"
	StatusDisputed Status = "disputed"
)

// transitions is the full state machine. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusHeld:     {StatusReleased, StatusRefunded, StatusExpired, StatusDisputed},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for released, refunded and expired.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusHeld, StatusReleased, StatusRefunded, StatusExpired, StatusDisputed:
		return true
	}
	return false
}

// Deliverable is opaque to the ledger; it is kept as dispute evidence.
type Deliverable struct {
	Description        string `json:"description"`
	ContentHash        string `json:"content_hash,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
}

// Escrow is one hold of funds between two accounts.
type Escrow struct {
	ID                 string        `json:"escrow_id"`
	RequesterID        string        `json:"requester_id"`
	ProviderID         string        `json:"provider_id"`
	Amount             int64         `json:"amount"`
	Fee                int64         `json:"fee_amount"`
	Currency           string        `json:"currency"`
	Status             Status        `json:"status"`
	TaskID             string        `json:"task_id,omitempty"`
	TaskType           string        `json:"task_type,omitempty"`
	GroupID            string        `json:"group_id,omitempty"`
	DependsOn          []string      `json:"depends_on,omitempty"`
	Deliverables       []Deliverable `json:"deliverables,omitempty"`
	DisputeReason      string        `json:"dispute_reason,omitempty"`
	ResolutionStrategy string        `json:"resolution_strategy,omitempty"`
	ResolvedBy         string        `json:"resolved_by,omitempty"`
	RefundReason       string        `json:"refund_reason,omitempty"`
	ExpiresAt          time.Time     `json:"expires_at"`
	WarnedAt           *time.Time    `json:"-"`
	ResolvedAt         *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// TotalHeld is what the requester has locked: amount plus fee.
func (e *Escrow) TotalHeld() int64 { return e.Amount + e.Fee }

// EffectiveFeePercent is fee/amount*100, rounded to two decimals.
func (e *Escrow) EffectiveFeePercent() float64 {
	if e.Amount == 0 {
		return 0
	}
	return math.Round(float64(e.Fee)/float64(e.Amount)*10000) / 100
}

// IsParty reports whether accountID is the requester or the provider.
func (e *Escrow) IsParty(accountID string) bool {
	return accountID == e.RequesterID || accountID == e.ProviderID
}

// transition moves e to next, stamping resolution time for terminal states.
func (e *Escrow) transition(next Status, now time.Time) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = now
	if next.IsTerminal() {
		e.ResolvedAt = &now
	}
	return nil
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.DependsOn = append([]string(nil), e.DependsOn...)
	cp.Deliverables = append([]Deliverable(nil), e.Deliverables...)
	if e.WarnedAt != nil {
		t := *e.WarnedAt
		cp.WarnedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// View is the API representation of an escrow.
type View struct {
	*Escrow
	TotalHeld           int64   `json:"total_held"`
	EffectiveFeePercent float64 `json:"effective_fee_percent"`
}

// View wraps e with its derived fields.
func (e *Escrow) View() View {
	return View{Escrow: e, TotalHeld: e.TotalHeld(), EffectiveFeePercent: e.EffectiveFeePercent()}
}

// Filter narrows List. AccountID matches either party.
type Filter struct {
	AccountID string
	TaskID    string
	GroupID   string
	Status    Status
	Limit     int
}

func (f Filter) matches(e *Escrow) bool {
	if f.AccountID != "" && !e.IsParty(f.AccountID) {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Stranded is a held escrow whose dependency was refunded or expired but
// whose own cascade refund never committed.
type Stranded struct {
	Escrow           *Escrow
	DependencyID     string
	DependencyStatus Status
}

// Tx extends a ledger transaction with escrow rows.
type Tx interface {
	ledger.Tx
	// LockEscrow takes the escrow's row lock and returns its current value.
	LockEscrow(ctx context.Context, id string) (*Escrow, error)
	// GetEscrow reads an escrow without locking it.
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	InsertEscrow(ctx context.Context, e *Escrow) error
	UpdateEscrow(ctx context.Context, e *Escrow) error
}

// Store persists escrows.
type Store interface {
	// WithTx runs fn in one atomic unit shared with the ledger.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, id string) (*Escrow, error)
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	// ListExpired returns held escrows with expires_at <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	// ListExpiring returns held, unwarned escrows expiring at or before cutoff.
	ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)
	// MarkWarned stamps warned_at if still unset and reports whether it did.
	MarkWarned(ctx context.Context, id string, at time.Time) (bool, error)
	// ListDependents returns escrows that name id in depends_on.
	ListDependents(ctx context.Context, id string) ([]*Escrow, error)
	ListStranded(ctx context.Context, limit int) ([]Stranded, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// EventType names an escrow lifecycle event.
type EventType string

const (
	EventCreated                 EventType = "escrow.created"
	EventReleased                EventType = "escrow.released"
	EventRefunded                EventType = "escrow.refunded"
	EventExpired                 EventType = "escrow.expired"
	EventExpiringSoon            EventType = "escrow.expiring_soon"
	EventDisputed                EventType = "escrow.disputed"
	EventDisputePendingMediation EventType = "escrow.dispute_pending_mediation"
	EventResolved                EventType = "escrow.resolved"
)

// Notifier is told about lifecycle events after they commit. Implementations
// must not block.
type Notifier interface {
	NotifyEscrow(ctx context.Context, event EventType, e *Escrow)
}

// Notifiers fans out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) NotifyEscrow(ctx context.Context, event EventType, e *Escrow) {
	for _, n := range ns {
		n.NotifyEscrow(ctx, event, e)
	}
}

// ReputationRecorder receives the provider outcome of a settled escrow.
type ReputationRecorder interface {
	RecordOutcome(ctx context.Context, accountID string, success bool) error
}

// Limits bound what a single escrow may request.
type Limits struct {
	MinAmount  int64
	MaxAmount  int64
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// DefaultLimits match the service defaults.
var DefaultLimits = Limits{
	MinAmount:  1,
	MaxAmount:  1_000_000_000,
	DefaultTTL: 30 * time.Minute,
	MaxTTL:     7 * 24 * time.Hour,
}

// MaxBatchSize caps the number of escrows in one batch.
const MaxBatchSize = 50

// Service implements escrow business logic.
type Service struct {
	store      Store
	fees       FeePolicy
	currency   string
	limits     Limits
	reputation ReputationRecorder
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, fees FeePolicy, currency string) *Service {
	return &Service{
		store:    store,
		fees:     fees,
		currency: currency,
		limits:   DefaultLimits,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLimits overrides amount and TTL bounds.
func (s *Service) WithLimits(l Limits) *Service {
	s.limits = l
	return s
}

// WithReputation adds a recorder for provider outcomes.
func (s *Service) WithReputation(r ReputationRecorder) *Service {
	s.reputation = r
	return s
}

// WithNotifier adds an event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Now returns the service's current time.
func (s *Service) Now() time.Time { return s.now() }

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// List returns escrows visible to accountID, narrowed by f.
func (s *Service) List(ctx context.Context, accountID string, f Filter) ([]*Escrow, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	f.AccountID = accountID
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

func (s *Service) notify(ctx context.Context, e *Escrow, events ...EventType) {
	if s.notifier == nil {
		return
	}
	for _, ev := range events {
		s.notifier.NotifyEscrow(ctx, ev, e)
	}
}

func (s *Service) recordOutcome(ctx context.Context, e *Escrow, success bool) {
	if s.reputation == nil {
		return
	}
	if err := s.reputation.RecordOutcome(ctx, e.ProviderID, success); err != nil {
		s.logger.Warn("failed to record reputation outcome",
			"escrow_id", e.ID, "provider_id", e.ProviderID, "error", err)
	}
}
