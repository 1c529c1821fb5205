package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
)

// LoadOrCreateKeypair reads a keypair in the Solana CLI JSON array format
// from path, generating and persisting a new one if the file does not exist.
// created reports whether a new key was written.
func LoadOrCreateKeypair(path string) (key solana.PrivateKey, created bool, err error) {
	key, err = LoadKeypair(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	key, err = solana.NewRandomPrivateKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate keypair: %w", err)
	}
	if err := WriteKeypair(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// LoadKeypair reads a keypair file written by solana-keygen or WriteKeypair.
func LoadKeypair(path string) (solana.PrivateKey, error) {
	// #nosec G304 -- keypair path is operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair %s: %w", path, err)
	}

	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("parse keypair %s: expected 64 bytes, got %d", path, len(raw))
	}

	key := make(solana.PrivateKey, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse keypair %s: byte %d out of range", path, i)
		}
		key[i] = byte(v)
	}
	return key, nil
}

// WriteKeypair persists key as a JSON byte array readable only by the owner.
func WriteKeypair(path string, key solana.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keypair dir: %w", err)
	}

	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode keypair: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keypair %s: %w", path, err)
	}
	return nil
}
