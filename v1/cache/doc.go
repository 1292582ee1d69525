// Package cache holds the primitives shared by the cache strategies: value
// codecs, raw access to the shared Redis keyspace, the empty marker used
// against penetration, the logical-expiry envelope and a ristretto-backed
// process-local cache.
package cache
