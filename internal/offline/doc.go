// Package offline implements the per-site offline cache manager: a lifecycle
// of versioned generations (install → activate with a stale-partition sweep),
// request interception that dispatches each request to a caching strategy from
// the policy table, offline fallbacks, and best-effort background cache writes.
package offline
