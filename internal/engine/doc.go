// Package engine runs the write-behind synchronization between the local
// record store and the remote spreadsheet.
//
// # Architecture
//
//	repository ──append──▶ store (CSV, source of truth for reads)
//	     │
//	     └────enqueue────▶ queue.Set ──Scheduler (every 10s)──▶ remote.Client
//	                                                              │
//	store ◀──rebuild── Controller.Pull ◀──────fetch all───────────┘
//
// The Scheduler drains the upload queues on a fixed interval. Each tick
// flushes the append queues in registration order, then the bookmark update
// queue. A failed batch goes back to the front of its queue and is retried
// on the next tick; nothing is retried within a tick.
//
// The Controller owns the operations that touch whole tables: pull (fetch
// every remote table and rebuild the local files), backup, bulk upload of
// the event log, and log rotation. It runs one operation at a time and
// reports ErrBusy otherwise.
//
// # Concurrency
//
// Flush cycles are serialized by the scheduler's cycle lock; a tick that
// finds a cycle in progress is skipped. Pull holds the cycle lock for its
// whole duration and additionally closes the write Gate while it rebuilds
// local files, so no repository write interleaves with a rebuild.
//
// # Lifecycle
//
//	eng, err := engine.New(engine.Options{DataDir: "store", Backend: backend})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil { // pulls before accepting writes
//	    return err
//	}
//	defer eng.Stop(context.Background()) // final flush
package engine
