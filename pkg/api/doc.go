// Package api exposes the scheduler over REST with JSON bodies: the
// client-facing task endpoints (/tasks/*, /task/*) and the bot protocol
// (/bot/handshake, /bot/poll, /bot/task_update, ...). It owns the HTTP
// plumbing only; all scheduling semantics live in pkg/scheduler.
//
// Authentication is a static bearer-token check with three roles (user,
// admin, bot). Bot endpoints additionally require the XSRF token issued by
// the handshake.
package api
