/*
Package log provides the process-wide structured logger used across lockbase.

It wraps zerolog with a single global Logger, initialized once via Init, and
a handful of With* helpers that attach the identifiers most lockbase log
lines key off: connection id, user id, database id. Every other package
either uses the global Logger directly or derives a scoped child logger from
one of the With* helpers rather than threading a logger through every call.
*/
package log
