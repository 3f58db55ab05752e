// Package frontier decides which discovered URI a crawler fetches next.
//
// URIs are grouped into one virtual WorkQueue per class key (usually the host).
// All queues share one ordered store; a queue is the contiguous key range under its
// origin key. The Frontier files each queue into exactly one of the ready FIFO, the
// snoozed set, the inactive list, the retired set, or in-progress, and enforces
// politeness delays and spend budgets as workers report completions.
//
// Queue metadata is written through to the store with every transition, so after
// Sync and a crash, Open rebuilds the same sets from what was last synced.
package frontier
