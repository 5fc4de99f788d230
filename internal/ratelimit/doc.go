// Package ratelimit provides fixed-window rate limiting keyed by an opaque
// client identifier, with background eviction of expired windows.
//
// # Single process, in-memory, not shared between instances
//
// A Limiter holds one window per identifier. The first request from an
// identifier opens a window of Policy.Window and every admitted request in
// that window increments its count. Once Policy.Max requests have been
// admitted the identifier is denied until the window ends; the next request
// after that opens a fresh window. Expired windows are treated as absent by
// Check whether or not the sweeper has removed them yet, so the sweeper only
// bounds memory.
//
// Policies are passed on every call rather than configured on the Limiter so
// one instance can guard several endpoints with different budgets. Callers
// should namespace identifiers per endpoint ("contact:203.0.113.7") so those
// budgets do not share a counter.
//
// What this does NOT protect against:
//   - distributed attacks across many addresses
//   - bursts at window boundaries (up to 2x Max across two adjacent windows)
//   - state survives neither restarts nor multiple replicas
package ratelimit
