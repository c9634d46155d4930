// Package sweeper is the periodic background pass that cleans up what the
// online scheduling path left behind: it expires pending work whose deadline
// passed without a bot claiming it, declares BOT_DIED for running attempts
// whose bot went silent, and reopens queue entries that were claimed but
// never reserved because the process died in between.
//
// The sweeper is a single-writer loop; passes never overlap. Every pass is
// idempotent, so running it again after a crash is always safe.
package sweeper
