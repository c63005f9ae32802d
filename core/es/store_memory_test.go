package es_test

import (
	"testing"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es/estests"
)

func TestInMemoryStore(t *testing.T) {
	estests.RunStoreSuite(t, func(t *testing.T) es.Store {
		return es.NewInMemoryStore()
	})
}
