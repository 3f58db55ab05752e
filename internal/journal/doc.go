// Package journal records frontier item transitions (added, emitted, finished,
// rescheduled) as Events. A Hub batches events on a background goroutine and
// fans them out to pluggable sinks such as structured logs, Prometheus, JSON
// line files, Postgres, Kafka or Pub/Sub. Recording never blocks the frontier.
package journal
