package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/traces"
)

// InsufficientBalanceError carries the shortfall. It matches
// ledger.ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d, have %d available", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ledger.ErrInsufficientBalance
}

// DependencyError lists the dependencies that have not released yet.
type DependencyError struct {
	Pending []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: waiting on %s", ErrDependencyNotSatisfied, strings.Join(e.Pending, ", "))
}

func (e *DependencyError) Is(target error) bool {
	return target == ErrDependencyNotSatisfied
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	ProviderID   string        `json:"provider_id"`
	Amount       int64         `json:"amount"`
	TaskID       string        `json:"task_id,omitempty"`
	TaskType     string        `json:"task_type,omitempty"`
	TTLMinutes   *int64        `json:"ttl_minutes,omitempty"`
	GroupID      string        `json:"group_id,omitempty"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	Deliverables []Deliverable `json:"deliverables,omitempty"`
}

// RefundReasonExpired is recorded on escrows closed by the sweeper.
const RefundReasonExpired = "TTL exceeded"

// Create holds amount+fee from the requester's available balance.
func (s *Service) Create(ctx context.Context, requesterID string, req CreateRequest) (*Escrow, error) {
	defer observeOp("create")()
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.AccountID(requesterID), traces.Amount(req.Amount))
	var err error
	defer func() { traces.End(span, err) }()

	now := s.now()
	var e *Escrow
	if e, err = s.build(requesterID, req, now); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := s.checkParties(ctx, tx, e); err != nil {
			return err
		}
		if err := checkDependencies(ctx, tx, e.DependsOn, nil); err != nil {
			return err
		}
		return s.hold(ctx, tx, requesterID, []*Escrow{e})
	})
	if err != nil {
		return nil, err
	}

	statusReached(StatusHeld)
	s.logger.Info("escrow created",
		"escrow_id", e.ID,
		"requester_id", e.RequesterID,
		"provider_id", e.ProviderID,
		"amount", e.Amount,
		"fee", e.Fee,
	)
	s.notify(ctx, e, EventCreated)
	return e, nil
}

// build validates req and returns the escrow it describes. It touches no
// state, so every validation error surfaces before any mutation.
func (s *Service) build(requesterID string, req CreateRequest, now time.Time) (*Escrow, error) {
	if req.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidRequest)
	}
	if req.ProviderID == requesterID {
		return nil, ErrSelfEscrow
	}
	if req.Amount < s.limits.MinAmount || req.Amount > s.limits.MaxAmount {
		return nil, fmt.Errorf("%w: amount must be between %d and %d",
			ErrInvalidAmount, s.limits.MinAmount, s.limits.MaxAmount)
	}

	ttl := s.limits.DefaultTTL
	if req.TTLMinutes != nil {
		minutes := *req.TTLMinutes
		if minutes < 0 || time.Duration(minutes)*time.Minute > s.limits.MaxTTL {
			return nil, fmt.Errorf("%w: ttl_minutes must be between 0 and %d",
				ErrInvalidRequest, int64(s.limits.MaxTTL/time.Minute))
		}
		ttl = time.Duration(minutes) * time.Minute
	}

	for i, d := range req.Deliverables {
		if strings.TrimSpace(d.Description) == "" {
			return nil, fmt.Errorf("%w: deliverables[%d].description is required", ErrInvalidRequest, i)
		}
	}

	deps, err := dedupe(req.DependsOn)
	if err != nil {
		return nil, err
	}

	return &Escrow{
		ID:           idgen.WithPrefix("esc_"),
		RequesterID:  requesterID,
		ProviderID:   req.ProviderID,
		Amount:       req.Amount,
		Fee:          s.fees.Fee(req.Amount),
		Currency:     s.currency,
		Status:       StatusHeld,
		TaskID:       req.TaskID,
		TaskType:     req.TaskType,
		GroupID:      req.GroupID,
		DependsOn:    deps,
		Deliverables: req.Deliverables,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func dedupe(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: depends_on entries must be non-empty", ErrInvalidRequest)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// checkParties verifies the requester may spend and the provider may earn.
func (s *Service) checkParties(ctx context.Context, tx Tx, e *Escrow) error {
	requester, err := tx.GetAccount(ctx, e.RequesterID)
	if err != nil {
		return err
	}
	if requester.Status != ledger.AccountActive {
		return ErrRequesterSuspended
	}
	provider, err := tx.GetAccount(ctx, e.ProviderID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return fmt.Errorf("provider %s: %w", e.ProviderID, err)
	}
	if err != nil {
		return err
	}
	if provider.Status != ledger.AccountActive {
		return ErrProviderInactive
	}
	return nil
}

// checkDependencies rejects dependencies that do not exist or can never
// release. IDs in siblings are created in the same unit and skipped.
func checkDependencies(ctx context.Context, tx Tx, deps []string, siblings map[string]bool) error {
	for _, dep := range deps {
		if siblings[dep] {
			continue
		}
		d, err := tx.GetEscrow(ctx, dep)
		if errors.Is(err, ErrEscrowNotFound) {
			return fmt.Errorf("%w: dependency %s not found", ErrInvalidRequest, dep)
		}
		if err != nil {
			return err
		}
		if d.Status == StatusRefunded || d.Status == StatusExpired {
			return fmt.Errorf("%w: dependency %s is %s and can never release", ErrInvalidRequest, dep, d.Status)
		}
	}
	return nil
}

// hold moves the combined total of es out of the requester's available
// balance and inserts the rows. es must be in dependency order.
func (s *Service) hold(ctx context.Context, tx Tx, requesterID string, es []*Escrow) error {
	bal, err := tx.LockBalance(ctx, requesterID)
	if err != nil {
		return err
	}
	var total int64
	for _, e := range es {
		total += e.TotalHeld()
	}
	if bal.Available < total {
		return &InsufficientBalanceError{Required: total, Available: bal.Available}
	}

	for _, e := range es {
		if _, err := tx.AdjustBalance(ctx, requesterID, ledger.Delta{
			Available: -e.TotalHeld(),
			Held:      e.TotalHeld(),
		}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &ledger.Transaction{
			EscrowID:    e.ID,
			FromAccount: requesterID,
			Amount:      e.TotalHeld(),
			Kind:        ledger.KindEscrowHold,
			Currency:    e.Currency,
			Description: "escrow hold",
		}); err != nil {
			return err
		}
		if err := tx.InsertEscrow(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Release pays the provider. Only the requester may call.
func (s *Service) Release(ctx context.Context, id, callerID string) (*Escrow, error) {
	defer observeOp("release")()
	e, err := s.settle(ctx, "escrow.release", id, func(e *Escrow) error {
		if e.RequesterID != callerID {
			return ErrNotAuthorized
		}
		return requireHeld(e)
	}, StatusReleased, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow released", "escrow_id", e.ID, "provider_id", e.ProviderID, "amount", e.Amount)
	s.recordOutcome(ctx, e, true)
	s.notify(ctx, e, EventReleased)
	return e, nil
}

// Refund returns amount+fee to the requester and cascades to dependents.
// Only the requester may call.
func (s *Service) Refund(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	defer observeOp("refund")()
	e, err := s.settle(ctx, "escrow.refund", id, func(e *Escrow) error {
		if e.RequesterID != callerID {
			return ErrNotAuthorized
		}
		return requireHeld(e)
	}, StatusRefunded, func(e *Escrow) { e.RefundReason = reason })
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow refunded", "escrow_id", e.ID, "requester_id", e.RequesterID, "reason", reason)
	s.recordOutcome(ctx, e, false)
	s.notify(ctx, e, EventRefunded)
	s.Cascade(ctx, e)
	return e, nil
}

// Expire closes a held escrow whose TTL has lapsed. Only the sweeper calls it.
func (s *Service) Expire(ctx context.Context, id string) (*Escrow, error) {
	defer observeOp("expire")()
	now := s.now()
	e, err := s.settle(ctx, "escrow.expire", id, func(e *Escrow) error {
		if err := requireHeld(e); err != nil {
			return err
		}
		if e.ExpiresAt.After(now) {
			return ErrNotDue
		}
		return nil
	}, StatusExpired, func(e *Escrow) { e.RefundReason = RefundReasonExpired })
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow expired", "escrow_id", e.ID, "requester_id", e.RequesterID, "amount", e.Amount)
	s.recordOutcome(ctx, e, false)
	s.notify(ctx, e, EventExpired)
	s.Cascade(ctx, e)
	return e, nil
}

// requireHeld rejects escrows that are terminal or frozen in a dispute.
func requireHeld(e *Escrow) error {
	switch {
	case e.Status == StatusDisputed:
		return ErrDisputed
	case e.Status.IsTerminal():
		return fmt.Errorf("%w: status is %s", ErrAlreadyResolved, e.Status)
	}
	return nil
}

// settle runs one fund-moving transition: lock the escrow, check it, move
// the funds for next, update the row. Every terminal transition goes
// through here so they all share the same lock order and fund movement.
func (s *Service) settle(ctx context.Context, spanName, id string, check func(*Escrow) error, next Status, mutate func(*Escrow)) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, spanName, traces.EscrowID(id))
	var (
		settled *Escrow
		err     error
	)
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		if err := check(e); err != nil {
			return err
		}
		if next == StatusReleased {
			if err := checkReleasable(ctx, tx, e); err != nil {
				return err
			}
			if err := moveRelease(ctx, tx, e); err != nil {
				return err
			}
		} else {
			if err := moveRefund(ctx, tx, e); err != nil {
				return err
			}
		}
		if err := e.transition(next, s.now()); err != nil {
			return err
		}
		if mutate != nil {
			mutate(e)
		}
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		settled = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	statusReached(next)
	return settled, nil
}

// checkReleasable requires every dependency to be released. Released is
// terminal, so an unlocked read cannot be invalidated before commit.
func checkReleasable(ctx context.Context, tx Tx, e *Escrow) error {
	var pending []string
	for _, dep := range e.DependsOn {
		d, err := tx.GetEscrow(ctx, dep)
		if err != nil {
			return err
		}
		if d.Status != StatusReleased {
			pending = append(pending, dep)
		}
	}
	if len(pending) > 0 {
		return &DependencyError{Pending: pending}
	}
	return nil
}

// moveRelease: requester held -> provider available (amount) and -> fee sink (fee).
func moveRelease(ctx context.Context, tx Tx, e *Escrow) error {
	// Balance locks are taken in account ID order so that two escrows
	// between the same pair in opposite directions cannot deadlock.
	first, second := e.RequesterID, e.ProviderID
	if second < first {
		first, second = second, first
	}
	if _, err := tx.LockBalance(ctx, first); err != nil {
		return err
	}
	if _, err := tx.LockBalance(ctx, second); err != nil {
		return err
	}
	if _, err := tx.AdjustBalance(ctx, e.RequesterID, ledger.Delta{
		Held:  -e.TotalHeld(),
		Spent: e.TotalHeld(),
	}); err != nil {
		return err
	}
	if _, err := tx.AdjustBalance(ctx, e.ProviderID, ledger.Delta{
		Available: e.Amount,
		Earned:    e.Amount,
	}); err != nil {
		return err
	}
	if err := tx.AppendTransaction(ctx, &ledger.Transaction{
		EscrowID:    e.ID,
		FromAccount: e.RequesterID,
		ToAccount:   e.ProviderID,
		Amount:      e.Amount,
		Kind:        ledger.KindEscrowRelease,
		Currency:    e.Currency,
		Description: "escrow release",
	}); err != nil {
		return err
	}
	if e.Fee == 0 {
		return nil
	}
	return tx.AppendTransaction(ctx, &ledger.Transaction{
		EscrowID:    e.ID,
		FromAccount: e.RequesterID,
		Amount:      e.Fee,
		Kind:        ledger.KindFee,
		Currency:    e.Currency,
		Description: "platform fee",
	})
}

// moveRefund: requester held -> requester available (amount+fee).
func moveRefund(ctx context.Context, tx Tx, e *Escrow) error {
	if _, err := tx.LockBalance(ctx, e.RequesterID); err != nil {
		return err
	}
	if _, err := tx.AdjustBalance(ctx, e.RequesterID, ledger.Delta{
		Available: e.TotalHeld(),
		Held:      -e.TotalHeld(),
	}); err != nil {
		return err
	}
	return tx.AppendTransaction(ctx, &ledger.Transaction{
		EscrowID:    e.ID,
		FromAccount: e.RequesterID,
		ToAccount:   e.RequesterID,
		Amount:      e.TotalHeld(),
		Kind:        ledger.KindEscrowRefund,
		Currency:    e.Currency,
		Description: "escrow refund",
	})
}
