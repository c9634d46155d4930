/*
Package types defines the core data structures used throughout Hive.

This package contains the domain model of the scheduler: the immutable
TaskRequest, its pending-queue entry TaskToRun, the client-facing
TaskResultSummary, the per-attempt TaskRunResult, the append-only
TaskOutputChunk, and the server's BotRecord. All other packages build on
these types for state management, API payloads and scheduling logic.

# Entity tree

The entities form a strict ownership tree, referenced by keys, never by
in-memory pointers:

	TaskRequest
	  ├── TaskToRun            (one, claimed atomically on reservation)
	  └── TaskResultSummary    (one, client-facing)
	        └── TaskRunResult  (one per attempt, currently always try #1)
	              └── TaskOutputChunk (many, fixed-size, strictly ordered)

BotRecord stands outside the tree; bot_id fields on results are weak
back-references used only for queries.

# State machine

TaskState is a closed variant set with an explicit transition table:

	PENDING ─reap──▶ RUNNING ─▶ COMPLETED | TIMED_OUT | BOT_DIED | CANCELED
	   ├─expire────▶ EXPIRED
	   └─cancel────▶ CANCELED

Terminal states are sticky: Terminal() returns true and CanTransitionTo
refuses every edge out of them. States serialize to their canonical
uppercase names.

# Bot commands

BotCommand is the tagged result of a poll: CommandRun, CommandSleep,
CommandUpdate, CommandRestart or CommandTerminate. Each serializes to the
wire form {"cmd": "<name>", ...} so the discriminator travels with the
payload.

All types are JSON-serializable; the storage layer persists them as JSON
values in bbolt buckets. Mutation synchronization is the storage layer's
concern, not the types'.
*/
package types
