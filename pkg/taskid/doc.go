/*
Package taskid implements the public task id scheme.

A request key is 16 lowercase hex characters. Public ids are the key with a
single digit appended: '0' for the client-facing result summary, '1'..'9'
for the run result of that try number. The encoding is reversible and the
trailing digit unambiguously names the entity kind, so handlers can accept
either form and resolve it to the right storage key.
*/
package taskid
