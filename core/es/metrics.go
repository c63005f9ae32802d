package es

import "github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/metrics"

// Outcome labels shared by command and projection metrics.
const (
	OutcomeAppended  = "appended"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
	OutcomeApplied   = "applied"
	OutcomeSkipped   = "skipped"
	OutcomeDisabled  = "disabled"
)

// Metrics defines the instrumentation points of the write and read side.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Store
	StoreAppendDuration() metrics.Timer
	EventsAppended(eventType string)

	// Commands
	CommandDuration(command string) metrics.Timer
	CommandHandled(command, outcome string)
	LockWaitDuration(scope string) metrics.Timer

	// Snapshots
	SnapshotTaken(auto bool)

	// Projections
	ProjectionDuration(projection string) metrics.Timer
	ProjectionHandled(projection, eventType, outcome string)

	// Replay
	EventsReplayed(count int)
}

type nopMetrics struct{}

func (nopMetrics) StoreAppendDuration() metrics.Timer       { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(string)                    {}
func (nopMetrics) CommandDuration(string) metrics.Timer     { return metrics.NopTimer() }
func (nopMetrics) CommandHandled(string, string)            {}
func (nopMetrics) LockWaitDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopMetrics) SnapshotTaken(bool)                       {}
func (nopMetrics) ProjectionDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopMetrics) ProjectionHandled(string, string, string) {}
func (nopMetrics) EventsReplayed(int)                       {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
