/*
Package fingerprint provides the canonical hashes and ordering keys of the
scheduler.

PropertiesHash is a stable SHA-1 over a canonical encoding of a request's
properties, used for deduplication reporting. DimensionsHash fingerprints
the demanded dimension set for coarse queue prefiltering. QueueNumber packs
(priority, created_ts) into a 63-bit integer whose ascending order is
"highest priority, then oldest first". MatchDimensions implements the
authoritative subset test between a request's demands and a bot's
advertised capabilities, and PowersetCount guards against pathological
dimension explosion on bots.
*/
package fingerprint
