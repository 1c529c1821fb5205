// Package relay submits bundles to a private block engine.
//
// Relay is the transport capability: JitoRelay speaks the block engine's
// JSON-RPC bundle API over one shared HTTP client, and MemoryRelay is a
// deterministic stand-in for tests and local runs. Submitter adds the
// pipeline policy on top: a per-submission deadline, no retries, and health
// tracking for connection-level failures.
package relay

import (
	"context"
	"errors"
)

// ErrRelayUnreachable marks connection-level failures, as opposed to the
// relay answering with a rejection.
var ErrRelayUnreachable = errors.New("relay unreachable")

// Relay accepts an ordered list of base64 encoded transactions and returns
// the relay-assigned bundle id.
type Relay interface {
	SendBundle(ctx context.Context, transactions []string) (string, error)
}

// Connector is implemented by relays that can verify their connection at startup.
type Connector interface {
	Connect(ctx context.Context) error
}
