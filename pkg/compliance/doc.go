// Package compliance screens wallets before their transactions are relayed.
//
// A Gate sits in front of a screening Backend behind a circuit breaker. The
// backend's raw result is turned into an allow/deny verdict by a Rego policy,
// so risk thresholds can change without a rebuild. When the backend cannot
// answer, the configured fallback decides: open admits the wallet and is
// logged and counted, closed rejects the request as unavailable.
package compliance
