package es

import (
	"log/slog"
	"time"
)

type (
	valueOption[T any] struct{ v T }
	LogOption          valueOption[*slog.Logger]
	MetricsOption      valueOption[Metrics]
	ClockOption        valueOption[func() time.Time]

	InMemoryStoreOption interface {
		applyToInMemoryStore(*InMemoryStore)
	}
)

func WithLog(l *slog.Logger) LogOption           { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption        { return MetricsOption{v: m} }
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

func (o LogOption) applyToInMemoryStore(s *InMemoryStore) {
	if o.v != nil {
		s.log = o.v.With(slog.String("store", "memory"))
	}
}

func (o MetricsOption) applyToInMemoryStore(s *InMemoryStore) {
	if o.v != nil {
		s.metrics = o.v
	}
}

func (o ClockOption) applyToInMemoryStore(s *InMemoryStore) {
	if o.v != nil {
		s.now = o.v
	}
}
