package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/idgen"
)

// Emitter turns escrow lifecycle events into deliveries for both parties.
// It never blocks the caller.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger, now: time.Now}
}

// NotifyEscrow implements escrow.Notifier.
func (e *Emitter) NotifyEscrow(_ context.Context, event escrow.EventType, esc *escrow.Escrow) {
	if e == nil || e.d == nil {
		return
	}
	snapshot := esc.Clone()
	evt := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      string(event),
		CreatedAt: e.now().UTC(),
		Data:      snapshot.View(),
	}
	e.d.Enqueue(snapshot.RequesterID, evt)
	e.d.Enqueue(snapshot.ProviderID, evt)
	e.logger.Debug("escrow event queued", "event_id", evt.ID, "type", evt.Type, "escrow_id", snapshot.ID)
}
