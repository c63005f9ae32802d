package readmodel_test

import (
	"testing"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel/rmtests"
)

func TestMemory(t *testing.T) {
	rmtests.RunStoreSuite(t, func(*testing.T) readmodel.Store { return readmodel.NewMemory() })
}
