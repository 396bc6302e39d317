package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/settlement/internal/traces"
)

// Resolution is an operator's verdict on a disputed escrow.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

// Operator identifies the caller of Resolve.
type Operator struct {
	ID         string
	IsOperator bool
}

// ResolveRequest contains the parameters for resolving a dispute.
// Strategy is an audit label only; it never changes the fund movement.
type ResolveRequest struct {
	EscrowID   string     `json:"escrow_id"`
	Resolution Resolution `json:"resolution"`
	Strategy   string     `json:"strategy,omitempty"`
}

// ResolveResult reports what a resolution paid out.
type ResolveResult struct {
	Escrow         *Escrow    `json:"escrow"`
	Resolution     Resolution `json:"resolution"`
	AmountPaid     int64      `json:"amount_paid"`
	AmountReturned int64      `json:"amount_returned"`
}

// Dispute freezes a held escrow until an operator resolves it. Either party
// may call.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	defer observeOp("dispute")()
	ctx, span := traces.StartSpan(ctx, "escrow.dispute", traces.EscrowID(id))
	var err error
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		err = fmt.Errorf("%w: reason is required", ErrInvalidRequest)
		return nil, err
	}

	var disputed *Escrow
	err = s.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		if !e.IsParty(callerID) {
			return ErrNotAuthorized
		}
		if err := requireHeld(e); err != nil {
			return err
		}
		if err := e.transition(StatusDisputed, s.now()); err != nil {
			return err
		}
		e.DisputeReason = reason
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		disputed = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	statusReached(StatusDisputed)
	s.logger.Info("escrow disputed", "escrow_id", id, "caller_id", callerID, "reason", reason)
	s.notify(ctx, disputed, EventDisputed, EventDisputePendingMediation)
	return disputed, nil
}

// Resolve settles a disputed escrow with the fund movement of release or
// refund. Operators only.
func (s *Service) Resolve(ctx context.Context, op Operator, req ResolveRequest) (*ResolveResult, error) {
	defer observeOp("resolve")()
	if !op.IsOperator {
		return nil, ErrNotAuthorized
	}

	var next Status
	switch req.Resolution {
	case ResolutionRelease:
		next = StatusReleased
	case ResolutionRefund:
		next = StatusRefunded
	default:
		return nil, ErrInvalidResolution
	}

	e, err := s.settle(ctx, "escrow.resolve", req.EscrowID, func(e *Escrow) error {
		if e.Status != StatusDisputed {
			return fmt.Errorf("%w: status is %s", ErrNotDisputed, e.Status)
		}
		return nil
	}, next, func(e *Escrow) {
		e.ResolvedBy = op.ID
		e.ResolutionStrategy = req.Strategy
		if next == StatusRefunded {
			e.RefundReason = "dispute resolved as refund"
		}
	})
	if err != nil {
		return nil, err
	}

	res := &ResolveResult{Escrow: e, Resolution: req.Resolution}
	s.logger.Info("dispute resolved",
		"escrow_id", e.ID,
		"resolution", req.Resolution,
		"strategy", req.Strategy,
		"operator_id", op.ID,
	)
	if next == StatusReleased {
		res.AmountPaid = e.Amount
		s.recordOutcome(ctx, e, true)
		s.notify(ctx, e, EventResolved, EventReleased)
		return res, nil
	}
	res.AmountReturned = e.TotalHeld()
	s.recordOutcome(ctx, e, false)
	s.notify(ctx, e, EventResolved, EventRefunded)
	s.Cascade(ctx, e)
	return res, nil
}
