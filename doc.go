// Package cutout provides an asynchronous job-execution service for
// astronomical image cutout requests. A client submits a region-of-interest
// extraction against a dataset, the lifecycle engine persists the job and
// hands it to a work queue, and a worker pool performs the pixel extraction
// and reports the outcome back.
//
// The package is designed as a library, not a framework. Configure a store
// and a queue, build an engine, and run a worker pool with your cutter
// implementation:
//
//	eng, err := engine.New(st, q, engine.WithLogger(logger))
//	executor := worker.NewExecutor(eng, cutter, logger)
//	pool := worker.NewPool(q, executor)
//
// # Architecture
//
// All coordination happens through the job store's compare-and-update
// primitive; no in-process locks are load-bearing. The store is the single
// source of truth for job state, and the queue is an at-least-once delivery
// channel fenced by per-enqueue delivery tokens. Subsystems (job, queue,
// engine, worker, archive, maintenance, notify) each live in their own
// package; a single backend implements the composite store interface.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package cutout
