/*
Package storage persists the scheduler's entity tree in BoltDB.

# Layout

One bucket per entity kind, values stored as JSON (human-readable,
debuggable):

  - requests:         request key -> TaskRequest
  - pending:          queue_number(8B BE) ++ request key -> TaskToRun
  - summaries:        request key -> TaskResultSummary
  - run_results:      request key + try digit -> TaskRunResult
  - output_chunks:    run key ++ command(4B) ++ chunk(4B) -> raw bytes
  - expiration_index: expiration ms(8B BE) ++ request key -> request key
  - bots:             bot id -> BotRecord

Two orderings fall out of the key design. The pending bucket's composite key
means a plain cursor scan yields entries in (priority asc, created asc,
request key asc) order, which is exactly the dispatch order with a total
deterministic tie-break. Request keys embed the creation millisecond in
their high bits, so the summaries bucket iterates in creation order and
reverse cursor scans give newest-first listings with key-based pagination.

The expiration_index bucket is the secondary index the sweeper range-scans
instead of walking the whole queue; entries are deleted as they are handled.

# Transactions

Store.Update is the transact primitive: BoltDB serializes read-write
transactions, so the claim CAS on TaskToRun.ReapedAt and the grouped writes
of the update pipeline (summary + run result + chunks) commit atomically or
not at all. Store.View provides consistent snapshots for reads. Callers
never lock; all coordination goes through the store.

Queue tombstones: a reaped TaskToRun stays in the pending bucket for audit.
Scans skip non-claimable entries.
*/
package storage
