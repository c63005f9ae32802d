// Package app wires the event pipeline from a [config.Config]: the backend
// that keeps events, checkpoints, snapshots, flags and locks, the read model
// store, the bus and the projection runners, and on top of them the command
// handlers and the control service.
//
// # Backends
//
//   - memory: everything in process; state is lost on exit
//   - sql: SQLite or PostgreSQL for events and read models, with flags and
//     locks in the kv_entries table
//   - nats: JetStream stream and buckets for events, checkpoints, snapshots,
//     flags and locks; read models stay in SQL
//
// # Basic Usage
//
//	a, err := app.New(app.Config{Settings: cfg, Consume: true})
//	if err != nil {
//	    return err
//	}
//	defer a.Close(ctx)
//
//	res, err := a.Commands().Submit(ctx, id, command.TypeSubmitBooking, fields)
//
// With the sync and async buses projections always run inside the process.
// With the nats bus they only run where Consume is set, usually a worker.
package app
