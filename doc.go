// Package conductor provides a distributed background-job orchestration
// service: durable job records, per-queue worker pools with bounded
// concurrency, retry with exponential backoff, stall detection, cron-driven
// recurring work, and an administrative control plane.
//
// Conductor is designed as a library with a thin daemon on top. Construct a
// store and a broker, build an engine, register handlers for each
// (queue, type) pair, and start it:
//
//	eng, err := engine.Build(cfg,
//	    engine.WithStore(pgStore),
//	    engine.WithBroker(redisBroker),
//	)
//
// # Architecture
//
// The Job Store is the authoritative record of every job ever submitted.
// The Queue Broker holds the volatile dispatch state (ready, delayed and
// in-flight sets) per queue. Worker pools are the only component that
// writes to both in the same logical step; the Scheduler reconciles them
// over wall-clock time (delay promotion, stall sweep, metrics refresh,
// retention trim, cron fires). The Control Plane exposes administrative
// operations over Store and Broker together.
//
// Each job's unit of work is an outbound HTTP call to a downstream worker
// service; conductor itself performs no domain logic.
//
// All entity IDs are TypeIDs — type-prefixed, K-sortable, UUIDv7-based.
package conductor
