package chain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxTransactionSize is the Solana packet size limit for one serialized transaction.
const MaxTransactionSize = 1232

var (
	errEmptyPayload   = errors.New("empty transaction payload")
	errPayloadTooBig  = errors.New("transaction exceeds packet size")
	errNoSignatures   = errors.New("transaction carries no signatures")
	errSignatureCount = errors.New("signature count does not match message header")
	errNoAccounts     = errors.New("transaction message has no account keys")
	errTrailingBytes  = errors.New("trailing bytes after transaction")
)

// Envelope is a caller supplied transaction: the exact bytes received and
// their parsed form. It is never modified after decoding.
type Envelope struct {
	raw []byte
	tx  *solana.Transaction
}

// DecodeEnvelope decodes a base64 payload into an Envelope and validates its
// structure. Signatures are not verified; the relay does that.
func DecodeEnvelope(encoded string) (Envelope, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Envelope{}, errEmptyPayload
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode base64: %w", err)
	}
	return ParseEnvelope(raw)
}

// ParseEnvelope parses wire bytes into an Envelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, errEmptyPayload
	}
	if len(raw) > MaxTransactionSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", errPayloadTooBig, len(raw))
	}

	decoder := bin.NewBinDecoder(raw)
	tx, err := solana.TransactionFromDecoder(decoder)
	if err != nil {
		return Envelope{}, fmt.Errorf("parse transaction: %w", err)
	}
	if decoder.Remaining() > 0 {
		return Envelope{}, fmt.Errorf("%w: %d", errTrailingBytes, decoder.Remaining())
	}
	if err := validate(tx); err != nil {
		return Envelope{}, err
	}

	owned := make([]byte, len(raw))
	copy(owned, raw)
	return Envelope{raw: owned, tx: tx}, nil
}

// NewEnvelope serializes a transaction built locally.
func NewEnvelope(tx *solana.Transaction) (Envelope, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize transaction: %w", err)
	}
	return Envelope{raw: raw, tx: tx}, nil
}

func validate(tx *solana.Transaction) error {
	if len(tx.Signatures) == 0 {
		return errNoSignatures
	}
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("%w: %d signatures, header requires %d",
			errSignatureCount, len(tx.Signatures), tx.Message.Header.NumRequiredSignatures)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return errNoAccounts
	}
	return nil
}

// Raw returns a copy of the wire bytes.
func (e Envelope) Raw() []byte {
	out := make([]byte, len(e.raw))
	copy(out, e.raw)
	return out
}

// Base64 returns the wire bytes base64 encoded.
func (e Envelope) Base64() string {
	return base64.StdEncoding.EncodeToString(e.raw)
}

// Transaction returns the parsed transaction. Callers must not mutate it.
func (e Envelope) Transaction() *solana.Transaction {
	return e.tx
}

// FeePayer returns the account paying fees: the first static account key,
// which is also the first signer.
func (e Envelope) FeePayer() solana.PublicKey {
	if e.tx == nil || len(e.tx.Message.AccountKeys) == 0 {
		return solana.PublicKey{}
	}
	return e.tx.Message.AccountKeys[0]
}

// Signature returns the first signature, which identifies the transaction on chain.
func (e Envelope) Signature() solana.Signature {
	if e.tx == nil || len(e.tx.Signatures) == 0 {
		return solana.Signature{}
	}
	return e.tx.Signatures[0]
}

// IsZero reports whether e holds no transaction.
func (e Envelope) IsZero() bool {
	return e.tx == nil
}
