// Package attestation keeps tamper-evident evidence of dispute handling.
// When an escrow is disputed or a dispute is resolved, the escrow's
// mediation state is appended as a leaf to a Merkle tree. Parties can later
// fetch the leaf with an audit proof and check it against the published
// root without trusting the database row.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/idgen"
)

const (
	SchemaVersion = "1.0"
	SchemaID      = "urn:settlement:mediation-attestation:v1"
)

var (
	ErrCorrupt = errors.New("attestation: stored leaf does not match its payload")
	// ErrPositionTaken means another writer appended at the same index.
	ErrPositionTaken = errors.New("attestation: position already taken")
)

// Header identifies who issued an attestation and when.
type Header struct {
	Version   string    `json:"version"`
	SchemaID  string    `json:"schema_id"`
	CreatedAt time.Time `json:"created_at"`
	IssuerID  string    `json:"issuer_id"`
	Nonce     string    `json:"nonce"`
}

// Mediation is the escrow state being attested.
type Mediation struct {
	EscrowID           string        `json:"escrow_id"`
	EscrowStatus       escrow.Status `json:"escrow_status"`
	DisputeReason      string        `json:"dispute_reason,omitempty"`
	ResolutionStrategy string        `json:"resolution_strategy,omitempty"`
	MediatorID         string        `json:"mediator_id,omitempty"`
}

// Payload is the hashed content of one leaf.
type Payload struct {
	Header    Header    `json:"header"`
	Mediation Mediation `json:"mediation"`
}

// Canonical is the byte form that is hashed. Struct field order fixes the
// key order and times are normalised to UTC.
func (p Payload) Canonical() ([]byte, error) {
	p.Header.CreatedAt = p.Header.CreatedAt.UTC()
	return json.Marshal(p)
}

// Record is a stored leaf.
type Record struct {
	Index       int       `json:"index"`
	LeafHash    string    `json:"leaf_hash"`
	Payload     Payload   `json:"payload"`
	RequesterID string    `json:"-"`
	ProviderID  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists leaves in index order.
type Store interface {
	Append(ctx context.Context, rec *Record, canonical []byte) error
	All(ctx context.Context) ([]*Record, error)
	ByEscrow(ctx context.Context, escrowID string) ([]*Record, error)
}

// Log couples a Store with the in-memory tree built from it.
type Log struct {
	store  Store
	tree   *Tree
	issuer string
	now    func() time.Time
	mu     sync.Mutex
}

// Open loads every stored leaf, recomputing each hash from its payload.
func Open(ctx context.Context, store Store, issuer string) (*Log, error) {
	recs, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load attestations: %w", err)
	}
	l := &Log{store: store, tree: NewTree(), issuer: issuer, now: time.Now}
	if err := l.extend(recs); err != nil {
		return nil, err
	}
	return l, nil
}

// extend appends stored leaves the tree has not seen yet.
func (l *Log) extend(recs []*Record) error {
	for _, rec := range recs {
		if rec.Index < l.tree.Len() {
			continue
		}
		data, err := rec.Payload.Canonical()
		if err != nil {
			return err
		}
		if rec.Index != l.tree.Len() || LeafHash(data) != rec.LeafHash {
			return fmt.Errorf("%w: index %d", ErrCorrupt, rec.Index)
		}
		l.tree.Append(data)
	}
	return nil
}

// WithClock overrides the header timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Attest appends e's current mediation state. mediator is the operator that
// resolved the dispute, if any.
func (l *Log) Attest(ctx context.Context, e *escrow.Escrow, mediator string) (*Record, error) {
	now := l.now().UTC()
	p := Payload{
		Header: Header{
			Version:   SchemaVersion,
			SchemaID:  SchemaID,
			CreatedAt: now,
			IssuerID:  l.issuer,
			Nonce:     idgen.New(),
		},
		Mediation: Mediation{
			EscrowID:           e.ID,
			EscrowStatus:       e.Status,
			DisputeReason:      e.DisputeReason,
			ResolutionStrategy: e.ResolutionStrategy,
			MediatorID:         mediator,
		},
	}
	data, err := p.Canonical()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := &Record{
		LeafHash:    LeafHash(data),
		Payload:     p,
		RequesterID: e.RequesterID,
		ProviderID:  e.ProviderID,
		CreatedAt:   now,
	}
	// Another instance sharing the store may have appended since we last
	// looked. Catch up once and retry at the new end.
	for try := 0; ; try++ {
		rec.Index = l.tree.Len()
		err := l.store.Append(ctx, rec, data)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrPositionTaken) || try > 0 {
			return nil, err
		}
		recs, lerr := l.store.All(ctx)
		if lerr != nil {
			return nil, lerr
		}
		if lerr := l.extend(recs); lerr != nil {
			return nil, lerr
		}
	}
	l.tree.Append(data)
	return rec, nil
}

func (l *Log) Root() string { return l.tree.Root() }
func (l *Log) Len() int     { return l.tree.Len() }

// Proofs returns the audit path for each index, all against the same root.
func (l *Log) Proofs(indexes ...int) ([][]ProofStep, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]ProofStep, len(indexes))
	for i, idx := range indexes {
		steps, err := l.tree.Proof(idx)
		if err != nil {
			return nil, "", err
		}
		out[i] = steps
	}
	return out, l.tree.Root(), nil
}

// ForEscrow lists an escrow's leaves in order.
func (l *Log) ForEscrow(ctx context.Context, escrowID string) ([]*Record, error) {
	return l.store.ByEscrow(ctx, escrowID)
}

// Recorder attests dispute and resolution events. It implements
// escrow.Notifier; appends happen on the Run goroutine so the escrow
// service never waits on the store.
type Recorder struct {
	log    *Log
	queue  chan attestJob
	logger *slog.Logger
}

type attestJob struct {
	escrow   *escrow.Escrow
	mediator string
}

func NewRecorder(log *Log, logger *slog.Logger) *Recorder {
	return &Recorder{log: log, queue: make(chan attestJob, 256), logger: logger}
}

// NotifyEscrow queues an attestation for escrow.disputed and
// escrow.resolved. Other events are ignored.
func (r *Recorder) NotifyEscrow(_ context.Context, event escrow.EventType, e *escrow.Escrow) {
	var mediator string
	switch event {
	case escrow.EventDisputed:
	case escrow.EventResolved:
		mediator = e.ResolvedBy
	default:
		return
	}
	select {
	case r.queue <- attestJob{escrow: e.Clone(), mediator: mediator}:
	default:
		attestationsTotal.WithLabelValues("dropped").Inc()
		r.logger.Error("attestation queue full, dropping", "escrow_id", e.ID, "event", event)
	}
}

// Run appends queued attestations until ctx is done, then drains what is
// already queued.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case j := <-r.queue:
			r.append(context.WithoutCancel(ctx), j)
		case <-ctx.Done():
			for {
				select {
				case j := <-r.queue:
					r.append(context.WithoutCancel(ctx), j)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) append(ctx context.Context, j attestJob) {
	rec, err := r.log.Attest(ctx, j.escrow, j.mediator)
	if err != nil {
		attestationsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("attestation append failed", "escrow_id", j.escrow.ID, "error", err)
		return
	}
	attestationsTotal.WithLabelValues("appended").Inc()
	r.logger.Debug("mediation state attested",
		"escrow_id", j.escrow.ID, "status", j.escrow.Status, "index", rec.Index)
}

// MemoryStore keeps leaves in a slice.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec *Record, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Index < len(m.recs) {
		return ErrPositionTaken
	}
	if rec.Index > len(m.recs) {
		return fmt.Errorf("attestation: append at %d, log has %d leaves", rec.Index, len(m.recs))
	}
	cp := *rec
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *MemoryStore) All(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, len(m.recs))
	for i, r := range m.recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ByEscrow(_ context.Context, escrowID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.recs {
		if r.Payload.Mediation.EscrowID == escrowID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
