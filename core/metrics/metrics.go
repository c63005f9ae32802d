// Package metrics holds the instrument types the pipeline records through,
// so core packages do not depend on a metrics backend. adapters/prometheus
// provides the real implementation.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time:
//
//	defer m.CommandDuration("booking.submit").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
