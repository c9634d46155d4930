// Package bot is the worker agent: it handshakes with the server, polls
// with its advertised dimensions, executes the task manifests it wins, and
// streams output and exit codes back through the update protocol.
//
// The agent never gives up on server errors: 4xx responses are logged and
// polling continues (so a misbehaving bot can still be told to update), 5xx
// responses are retried with exponential backoff.
package bot
