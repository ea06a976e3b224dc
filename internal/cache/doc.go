// Package cache defines the partition store behind the offline cache manager.
// A partition is a named bucket (site + kind + version) mapping a request
// identity (method + URL, narrowed by the stored response's Vary headers) to an
// immutable response snapshot. Backends (memory, filesystem, bbolt, redis)
// guarantee atomic per-key Put/Match, atomic batch writes where the backend
// supports transactions, and whole-partition deletion used by the activation
// sweep. Only GET snapshots are accepted.
package cache
