// Package sinks provides journal.Sink implementations: structured logs,
// Prometheus counters, JSON line files, Postgres rows, Kafka messages and
// Pub/Sub messages.
package sinks
