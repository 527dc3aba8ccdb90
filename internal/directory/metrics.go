package directory

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
)

// Result label values
const (
	resultAccepted = "accepted"
	resultFound    = "found"
	resultNotFound = "not_found"
	resultRejected = "rejected"
	resultEncoding = "encoding"
	resultConflict = "conflict"
	resultExternal = "external"
)

var (
	submissionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_submissions_total",
			Help: "Total number of operation submissions, by result.",
		},
		[]string{"result"},
	)

	resolutionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_resolutions_total",
			Help: "Total number of DID resolutions, by result.",
		},
		[]string{"result"},
	)

	// Time spent holding the global submission lock
	criticalSectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plc_submit_critical_section_seconds",
			Help:    "Time spent inside the submission critical section.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// resultOf names the taxonomy member of a classified error.
func resultOf(err error, success string) string {
	var (
		rej *plc.RejectedError
		enc *plc.EncodingError
	)
	switch {
	case err == nil:
		return success
	case errors.Is(err, ErrNotFound):
		return resultNotFound
	case errors.Is(err, ErrConflict):
		return resultConflict
	case errors.As(err, &rej):
		return resultRejected
	case errors.As(err, &enc):
		return resultEncoding
	default:
		return resultExternal
	}
}
