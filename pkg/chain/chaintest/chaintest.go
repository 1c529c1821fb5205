// Package chaintest provides transaction fixtures and deterministic chain
// readers for tests.
package chaintest

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// ErrReaderDown is returned by FailingReader.
var ErrReaderDown = errors.New("rpc unavailable")

// SignedTransfer builds a user transaction moving lamports from a fresh
// wallet and returns it with the wallet key.
func SignedTransfer(t testing.TB, lamports uint64) (*solana.Transaction, solana.PrivateKey) {
	t.Helper()

	payer, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate payer: %v", err)
	}
	recipient := solana.NewWallet().PublicKey()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, payer.PublicKey(), recipient).Build(),
		},
		HashFromByte(1),
		solana.TransactionPayer(payer.PublicKey()),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	}); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	return tx, payer
}

// EncodedTransfer returns a signed transfer serialized and base64 encoded,
// along with the fee payer.
func EncodedTransfer(t testing.TB, lamports uint64) (string, solana.PublicKey) {
	t.Helper()
	tx, payer := SignedTransfer(t, lamports)
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("serialize transaction: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw), payer.PublicKey()
}

// HashFromByte returns a blockhash filled with b.
func HashFromByte(b byte) solana.Hash {
	var h solana.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// SequenceReader hands out a distinct blockhash on every call and counts calls.
type SequenceReader struct {
	mu    sync.Mutex
	next  byte
	calls atomic.Int64
}

// LatestBlockhash implements chain.BlockhashReader.
func (r *SequenceReader) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := ctx.Err(); err != nil {
		return solana.Hash{}, err
	}
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return HashFromByte(r.next), nil
}

// Calls returns the number of fetches served.
func (r *SequenceReader) Calls() int {
	return int(r.calls.Load())
}

// FailingReader always fails.
type FailingReader struct{}

// LatestBlockhash implements chain.BlockhashReader.
func (FailingReader) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{}, ErrReaderDown
}
