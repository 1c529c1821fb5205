// Package governance holds the admission and resilience controls that sit in
// front of the protection pipeline.
//
// RateLimiter applies a fixed request budget per client and window, backed by
// an in-memory sharded store or by Redis when several instances share one
// budget. CircuitBreaker guards calls to flaky dependencies with the classic
// closed, open and half-open states; its transitions out of open are evaluated
// lazily on the next attempt, so neither control needs a background timer to
// stay correct.
package governance
