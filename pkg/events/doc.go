/*
Package events provides an in-process publish/subscribe broker for task and
bot lifecycle events.

The scheduler and sweeper publish an event on every lifecycle edge
(created, reaped, completed, expired, bot_died, ...). Subscribers receive
events on buffered channels; slow subscribers drop events rather than block
the scheduling path.
*/
package events
