package relay

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRelay records bundles in memory and returns sequential ids. Failures
// can be injected with FailWith.
type MemoryRelay struct {
	mu       sync.Mutex
	seq      int
	attempts int
	bundles  [][]string
	err      error
	prefix   string
}

// NewMemoryRelay creates a relay whose ids start with prefix.
func NewMemoryRelay(prefix string) *MemoryRelay {
	if prefix == "" {
		prefix = "bundle"
	}
	return &MemoryRelay{prefix: prefix}
}

// SendBundle implements Relay.
func (m *MemoryRelay) SendBundle(ctx context.Context, transactions []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.err != nil {
		return "", m.err
	}
	m.seq++
	m.bundles = append(m.bundles, append([]string(nil), transactions...))
	return fmt.Sprintf("%s-%06d", m.prefix, m.seq), nil
}

// Connect implements Connector.
func (m *MemoryRelay) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// FailWith makes every following call fail with err. A nil err restores success.
func (m *MemoryRelay) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Bundles returns a copy of every bundle received, in arrival order.
func (m *MemoryRelay) Bundles() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]string, len(m.bundles))
	for i, b := range m.bundles {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// Calls returns the number of SendBundle attempts, including failed ones.
// Bundles holds only the accepted ones.
func (m *MemoryRelay) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
