// ABOUTME: Package documentation for the bus package
// ABOUTME: Explains delivery guarantees and the concurrency contract

// Package bus provides a reliable RabbitMQ client with at-least-once
// delivery semantics.
//
// One Client owns one physical connection. Topology (a durable direct
// exchange, durable queues, explicit routing-key bindings) is declared
// idempotently on every (re)connect; declaring existing topology with
// identical parameters is a no-op, while redeclaring with different
// parameters is a broker-side configuration error.
//
// Concurrency contract: publishes may be issued from any number of
// goroutines and are serialized through a single publish channel behind a
// mutex, because AMQP channels are not safe for concurrent use. Each call
// to Consume runs an independent delivery loop on its own channel; run one
// per (queue, routing key) pair.
//
// Failure model: Connect retries up to a bounded attempt count with a fixed
// delay and then reports ErrBusUnavailable. Publish failures surface as
// ErrPublishFailed and are never fatal. Consume survives broker restarts by
// sleeping and re-entering the connect/declare/consume cycle; deliveries are
// acknowledged even when the handler errors, because the handlers' own
// storage layer is idempotent and redelivering a malformed message cannot
// ever succeed.
package bus
