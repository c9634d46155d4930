// Package scheduler implements the task scheduling core: request
// submission, the dimension matcher, the atomic reservation of pending work
// by polling bots, the task lifecycle state machine and the idempotent
// bot-update pipeline.
//
// Every mutation happens inside a single store transaction, so the
// exactly-once reservation and append-only output guarantees hold under
// concurrent callers. The scheduler holds no mutable state of its own; all
// coordination goes through the store.
package scheduler
