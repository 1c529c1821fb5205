package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/darkwingducks/darkwing/pkg/chain"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
)

// MemoProgramID is the SPL memo program, used to make every fee transaction unique.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// ErrZeroFee is returned when asked to assemble a bundle without a fee.
var ErrZeroFee = errors.New("fee must be greater than zero")

// Assembler builds bundles. It keeps no per-request state.
type Assembler struct {
	signer     chain.Signer
	reader     chain.BlockhashReader
	feeAccount solana.PublicKey
	nonce      func() string
}

// AssemblerOption customises an Assembler.
type AssemblerOption func(*Assembler)

// WithNonce overrides the memo nonce source.
func WithNonce(fn func() string) AssemblerOption {
	return func(a *Assembler) {
		if fn != nil {
			a.nonce = fn
		}
	}
}

// NewAssembler creates an assembler paying fees from the signer's account
// into feeAccount.
func NewAssembler(signer chain.Signer, reader chain.BlockhashReader, feeAccount solana.PublicKey, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		signer:     signer,
		reader:     reader,
		feeAccount: feeAccount,
		nonce:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FundingAccount returns the account that pays the fee.
func (a *Assembler) FundingAccount() solana.PublicKey {
	return a.signer.PublicKey()
}

// FeeAccount returns the fee collection account.
func (a *Assembler) FeeAccount() solana.PublicKey {
	return a.feeAccount
}

// Assemble builds [user, fee] with a fee transfer over a freshly fetched
// blockhash. A reader failure is reported as domain.ErrFreshnessTokenUnavailable.
func (a *Assembler) Assemble(ctx context.Context, user chain.Envelope, feeLamports uint64) (Bundle, error) {
	if user.IsZero() {
		return Bundle{}, fmt.Errorf("assemble bundle: %w: missing user transaction", domain.ErrInvalidInput)
	}
	if feeLamports == 0 {
		return Bundle{}, ErrZeroFee
	}

	blockhash, err := a.reader.LatestBlockhash(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %w", domain.ErrFreshnessTokenUnavailable, err)
	}

	fee, err := a.feeTransaction(blockhash, feeLamports)
	if err != nil {
		return Bundle{}, err
	}
	return newBundle(user, fee), nil
}

func (a *Assembler) feeTransaction(blockhash solana.Hash, lamports uint64) (chain.Envelope, error) {
	funding := a.signer.PublicKey()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, funding, a.feeAccount).Build(),
			solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{}, []byte("darkwing:"+a.nonce())),
		},
		blockhash,
		solana.TransactionPayer(funding),
	)
	if err != nil {
		return chain.Envelope{}, fmt.Errorf("build fee transaction: %w", err)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return chain.Envelope{}, fmt.Errorf("serialize fee message: %w", err)
	}
	sig, err := a.signer.Sign(message)
	if err != nil {
		return chain.Envelope{}, fmt.Errorf("sign fee transaction: %w", err)
	}
	tx.Signatures = []solana.Signature{sig}

	return chain.NewEnvelope(tx)
}
