// Package bundle assembles the atomic pair submitted to the relay: the
// caller's transaction followed by the service fee transfer.
package bundle

import (
	"github.com/darkwingducks/darkwing/pkg/chain"
)

// Bundle is an ordered pair of transactions. The fee transaction always sits
// after the user transaction, so the relay only lands the fee when the user
// transaction lands first.
type Bundle struct {
	entries [2]chain.Envelope
}

func newBundle(user, fee chain.Envelope) Bundle {
	return Bundle{entries: [2]chain.Envelope{user, fee}}
}

// User returns the caller's transaction.
func (b Bundle) User() chain.Envelope {
	return b.entries[0]
}

// Fee returns the service fee transaction.
func (b Bundle) Fee() chain.Envelope {
	return b.entries[1]
}

// Transactions returns the bundle in submission order.
func (b Bundle) Transactions() []chain.Envelope {
	return []chain.Envelope{b.entries[0], b.entries[1]}
}

// Encoded returns the base64 wire form of each transaction in submission order.
func (b Bundle) Encoded() []string {
	return []string{b.entries[0].Base64(), b.entries[1].Base64()}
}

// IsZero reports whether b was never assembled.
func (b Bundle) IsZero() bool {
	return b.entries[0].IsZero() || b.entries[1].IsZero()
}
