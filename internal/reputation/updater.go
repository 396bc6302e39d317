package reputation

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// ScoreHistogram tracks the distribution of scores after each update.
var ScoreHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "settlement",
	Name:      "reputation_score",
	Help:      "Provider reputation scores observed after each update.",
	Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
})

// Updates counts score updates by outcome.
var Updates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement",
	Name:      "reputation_updates_total",
	Help:      "Reputation updates by outcome and result.",
}, []string{"outcome", "result"})

func init() {
	prometheus.MustRegister(ScoreHistogram, Updates)
}

// Store persists scores. The ledger store implements it; the score lives
// on the account row.
type Store interface {
	UpdateReputation(ctx context.Context, accountID string, fn func(old float64) float64) (float64, error)
}

// Updater applies terminal outcomes to stored scores.
type Updater struct {
	store  Store
	logger *slog.Logger
}

// NewUpdater creates an updater backed by store.
func NewUpdater(store Store, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{store: store, logger: logger}
}

// Record applies outcome to the provider's score and returns the new value.
func (u *Updater) Record(ctx context.Context, providerID string, outcome Outcome) (float64, error) {
	label := "failure"
	if outcome == Success {
		label = "success"
	}
	score, err := u.store.UpdateReputation(ctx, providerID, func(old float64) float64 {
		return Next(old, outcome)
	})
	if err != nil {
		Updates.WithLabelValues(label, "error").Inc()
		return 0, err
	}
	Updates.WithLabelValues(label, "ok").Inc()
	ScoreHistogram.Observe(score)
	u.logger.Debug("reputation updated", "account_id", providerID, "outcome", label, "score", score)
	return score, nil
}

// RecordOutcome satisfies escrow.ReputationRecorder.
func (u *Updater) RecordOutcome(ctx context.Context, accountID string, success bool) error {
	_, err := u.Record(ctx, accountID, OutcomeOf(success))
	return err
}
