// Package es holds the event-sourcing primitives shared by the write and the
// read side.
//
// # Overview
//
// Every successful command produces exactly one [StoredEvent]. Events are
// appended to an [EventStore], which is the only component that needs to be
// durable: checkpoints, snapshots and read models can always be rebuilt from
// the event log.
//
// The package defines the persistence contracts:
//
//   - [EventStore]: append, lookup by aggregate id (the idempotency gate),
//     ordered scan for replay, count and an administrative clear.
//   - [CheckpointStore]: per-projection progress markers.
//   - [SnapshotStore]: append-only, observational snapshots of read-side
//     counters. Nothing reads them back for correctness.
//
// [InMemoryStore] implements all three and is used for tests and local runs.
// SQL and NATS JetStream backends live in the adapters tree.
//
// # Decoding
//
// Payloads are stored as raw JSON. A [Registry] maps the persisted event type
// to a typed decoder, populated once at startup:
//
//	reg := es.NewRegistry()
//	es.Register[UserRegistered](reg)
//
//	ev, err := reg.Decode(stored)
//
// Unknown types are rejected with [ErrUnknownEventType]; malformed payloads
// surface as a [*DecodeError] carrying the offending event id.
package es
