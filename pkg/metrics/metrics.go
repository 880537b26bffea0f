// Package metrics exposes Prometheus instruments for TPM command and
// utility operation outcomes.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "tpm"

	LabelCommand   = "command"
	LabelOperation = "operation"
	LabelResult    = "result"

	ResultSuccess = "success"
)

var (
	// CommandsTotal counts primitive commands sent to the module by
	// command name and result code.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "command",
			Name:      "total",
			Help:      "Total number of primitive TPM commands by command and result",
		},
		[]string{LabelCommand, LabelResult},
	)

	// CommandDuration tracks the round trip latency of primitive commands.
	// Buckets cover fast register reads through on-chip RSA key generation.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Duration of primitive TPM commands in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelCommand},
	)

	// OperationsTotal counts utility operations by name and result code.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "utility",
			Name:      "operations_total",
			Help:      "Total number of TPM utility operations by operation and result",
		},
		[]string{LabelOperation, LabelResult},
	)

	// PlatformDisabled is 1 once the platform hierarchy has been observed
	// disabled for the current boot session.
	PlatformDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "platform_hierarchy_disabled",
			Help:      "Whether the platform hierarchy is disabled (1) or enabled (0)",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

func Enable() {
	enabled.Store(true)
}

func Disable() {
	enabled.Store(false)
}

func IsEnabled() bool {
	return enabled.Load()
}

// RecordCommand records the outcome and latency of a primitive command.
func RecordCommand(command, result string, seconds float64) {
	if !enabled.Load() {
		return
	}
	CommandsTotal.WithLabelValues(command, result).Inc()
	CommandDuration.WithLabelValues(command).Observe(seconds)
}

// RecordOperation records the outcome of a utility operation.
func RecordOperation(operation, result string) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
}

func SetPlatformDisabled(disabled bool) {
	if !enabled.Load() {
		return
	}
	if disabled {
		PlatformDisabled.Set(1)
		return
	}
	PlatformDisabled.Set(0)
}
