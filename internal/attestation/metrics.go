package attestation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var attestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement",
	Subsystem: "attestation",
	Name:      "records_total",
	Help:      "Mediation attestations by result (appended, failed, dropped).",
}, []string{"result"})
