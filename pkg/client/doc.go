// Package client is the REST client for the scheduler API, used by both the
// bot agent and the CLI. It speaks the JSON wire format of pkg/api and
// classifies server errors so callers can tell "log and carry on" (4xx) from
// "retry with backoff" (5xx).
package client
