package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/traces"
)

// ErrDependencyCycle is returned when a batch's depends_on graph has a cycle.
var ErrDependencyCycle = errors.New("depends_on graph contains a cycle")

// BatchRequest creates several escrows atomically. DependsOn entries of the
// form "$N" refer to the N-th (zero-based) item of Escrows.
type BatchRequest struct {
	GroupID string          `json:"group_id,omitempty"`
	Escrows []CreateRequest `json:"escrows"`
}

// BatchItemError ties a validation failure to the offending item.
type BatchItemError struct {
	Index int
	Err   error
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("escrows[%d]: %v", e.Index, e.Err)
}

func (e *BatchItemError) Unwrap() error { return e.Err }

// CreateBatch validates every item, resolves positional references and
// checks the graph is acyclic before creating anything. Either every escrow
// is created or none is.
func (s *Service) CreateBatch(ctx context.Context, requesterID string, req BatchRequest) ([]*Escrow, error) {
	defer observeOp("create_batch")()
	ctx, span := traces.StartSpan(ctx, "escrow.create_batch",
		traces.AccountID(requesterID), traces.BatchSize(len(req.Escrows)))
	var err error
	defer func() { traces.End(span, err) }()

	var created, ordered []*Escrow
	if created, ordered, err = s.planBatch(requesterID, req); err != nil {
		return nil, err
	}

	siblings := make(map[string]bool, len(ordered))
	for _, e := range ordered {
		siblings[e.ID] = true
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		for _, e := range ordered {
			if err := s.checkParties(ctx, tx, e); err != nil {
				return err
			}
			if err := checkDependencies(ctx, tx, e.DependsOn, siblings); err != nil {
				return err
			}
		}
		return s.hold(ctx, tx, requesterID, ordered)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow batch created",
		"group_id", created[0].GroupID,
		"requester_id", requesterID,
		"count", len(created),
	)
	for _, e := range created {
		statusReached(StatusHeld)
		s.notify(ctx, e, EventCreated)
	}
	return created, nil
}

// planBatch builds every item and resolves "$N" references. It returns the
// escrows in request order and in topological order (dependencies first).
func (s *Service) planBatch(requesterID string, req BatchRequest) (items, ordered []*Escrow, err error) {
	n := len(req.Escrows)
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: escrows must not be empty", ErrInvalidRequest)
	}
	if n > MaxBatchSize {
		return nil, nil, fmt.Errorf("%w: at most %d escrows per batch", ErrInvalidRequest, MaxBatchSize)
	}

	groupID := req.GroupID
	if groupID == "" {
		groupID = idgen.WithPrefix("grp_")
	}

	now := s.now()
	items = make([]*Escrow, n)
	for i, item := range req.Escrows {
		item.GroupID = groupID
		e, err := s.build(requesterID, item, now)
		if err != nil {
			return nil, nil, &BatchItemError{Index: i, Err: err}
		}
		items[i] = e
	}

	// Resolve positional references now that every item has an ID.
	edges := make([][]int, n) // edges[i] = sibling indexes item i depends on
	for i, e := range items {
		for j, dep := range e.DependsOn {
			if !strings.HasPrefix(dep, "$") {
				continue
			}
			ref, err := strconv.Atoi(dep[1:])
			if err != nil || ref < 0 || ref >= n {
				return nil, nil, &BatchItemError{Index: i, Err: fmt.Errorf("%w: bad reference %q", ErrInvalidRequest, dep)}
			}
			if ref == i {
				return nil, nil, &BatchItemError{Index: i, Err: fmt.Errorf("%w: escrow cannot depend on itself", ErrInvalidRequest)}
			}
			e.DependsOn[j] = items[ref].ID
			edges[i] = append(edges[i], ref)
		}
		// "$0" and the literal ID of item 0 can both appear.
		deps, err := dedupe(e.DependsOn)
		if err != nil {
			return nil, nil, &BatchItemError{Index: i, Err: err}
		}
		e.DependsOn = deps
	}

	order, err := topoSort(edges)
	if err != nil {
		return nil, nil, err
	}
	ordered = make([]*Escrow, n)
	for k, idx := range order {
		ordered[k] = items[idx]
	}
	return items, ordered, nil
}

// topoSort orders nodes so that every node follows its dependencies
// (Kahn's algorithm). Ties keep request order.
func topoSort(edges [][]int) ([]int, error) {
	n := len(edges)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, deps := range edges {
		seen := map[int]bool{}
		for _, d := range deps {
			if seen[d] {
				continue
			}
			seen[d] = true
			indegree[i]++
			dependents[d] = append(dependents[d], i)
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, n)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != n {
		return nil, ErrDependencyCycle
	}
	return order, nil
}

// CascadeResult reports what one cascade did.
type CascadeResult struct {
	Refunded []string
	Skipped  []string
	Failed   []string
}

// Cascade refunds every held escrow that transitively depends on root,
// which must be refunded or expired. Each dependent is refunded in its own
// transaction; a failure is logged and left for the sweeper to repair
// without undoing the refunds already committed.
func (s *Service) Cascade(ctx context.Context, root *Escrow) CascadeResult {
	var res CascadeResult
	visited := map[string]bool{root.ID: true}
	queue := []*Escrow{root}

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		dependents, err := s.store.ListDependents(ctx, parent.ID)
		if err != nil {
			s.logger.Error("cascade: failed to list dependents", "escrow_id", parent.ID, "error", err)
			res.Failed = append(res.Failed, parent.ID)
			continue
		}
		for _, d := range dependents {
			if visited[d.ID] {
				continue
			}
			visited[d.ID] = true
			if d.Status != StatusHeld {
				res.Skipped = append(res.Skipped, d.ID)
				EscrowCascadeRefunds.WithLabelValues("skipped").Inc()
				continue
			}

			refunded, err := s.refundDependent(ctx, d.ID, parent)
			switch {
			case err == nil:
				res.Refunded = append(res.Refunded, refunded.ID)
				EscrowCascadeRefunds.WithLabelValues("refunded").Inc()
				queue = append(queue, refunded)
			case errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrDisputed):
				// Lost the race to another transition.
				res.Skipped = append(res.Skipped, d.ID)
				EscrowCascadeRefunds.WithLabelValues("skipped").Inc()
			default:
				s.logger.Error("cascade: refund failed",
					"escrow_id", d.ID, "dependency_id", parent.ID, "error", err)
				res.Failed = append(res.Failed, d.ID)
				EscrowCascadeRefunds.WithLabelValues("failed").Inc()
			}
		}
	}

	if len(res.Refunded) > 0 || len(res.Failed) > 0 {
		s.logger.Info("cascade refund finished",
			"root_id", root.ID,
			"refunded", len(res.Refunded),
			"skipped", len(res.Skipped),
			"failed", len(res.Failed),
		)
	}
	return res
}

// refundDependent refunds one held dependent of parent through the same
// path as a requester refund, including the provider's failure outcome.
func (s *Service) refundDependent(ctx context.Context, id string, parent *Escrow) (*Escrow, error) {
	reason := fmt.Sprintf("dependency %s %s", parent.ID, parent.Status)
	e, err := s.settle(ctx, "escrow.cascade_refund", id, requireHeld, StatusRefunded,
		func(e *Escrow) { e.RefundReason = reason })
	if err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, e, false)
	s.notify(ctx, e, EventRefunded)
	return e, nil
}

// RepairStranded finishes cascades that were interrupted: held escrows
// whose dependency is already refunded or expired.
func (s *Service) RepairStranded(ctx context.Context, limit int) (int, error) {
	stranded, err := s.store.ListStranded(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, st := range stranded {
		parent := &Escrow{ID: st.DependencyID, Status: st.DependencyStatus}
		e, err := s.refundDependent(ctx, st.Escrow.ID, parent)
		if err != nil {
			if !errors.Is(err, ErrAlreadyResolved) && !errors.Is(err, ErrDisputed) {
				s.logger.Warn("failed to repair stranded escrow",
					"escrow_id", st.Escrow.ID, "dependency_id", st.DependencyID, "error", err)
			}
			continue
		}
		repaired++
		s.Cascade(ctx, e)
	}
	return repaired, nil
}
