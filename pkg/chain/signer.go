package chain

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the service keypair. The private key never leaves it.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(payload []byte) (solana.Signature, error)
}

// KeypairSigner signs with an in-memory ed25519 keypair.
type KeypairSigner struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

// NewKeypairSigner wraps key.
func NewKeypairSigner(key solana.PrivateKey) (*KeypairSigner, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("keypair must be 64 bytes, got %d", len(key))
	}
	return &KeypairSigner{key: key, pub: key.PublicKey()}, nil
}

// PublicKey returns the signer's public identity.
func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.pub
}

// Sign signs payload with the service key.
func (s *KeypairSigner) Sign(payload []byte) (solana.Signature, error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign payload: %w", err)
	}
	return sig, nil
}
