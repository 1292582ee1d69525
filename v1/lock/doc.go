// Package lock provides a distributed mutual-exclusion lock backed by Redis.
//
// Acquisition is a single SET NX with a TTL and never waits; callers decide
// whether to fail fast or poll. Release runs a Lua script that deletes the
// key only while it still carries the caller's owner token, so a holder whose
// TTL ran out cannot free a lock that now belongs to someone else. The TTL is
// the only recovery from a crashed holder.
package lock
