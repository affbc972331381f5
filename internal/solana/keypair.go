package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 signing key.
type Keypair struct {
	private ed25519.PrivateKey
	public  PublicKey
}

// NewKeypairFromSecret builds a keypair from a 64-byte secret key
// (32-byte seed followed by the public key).
func NewKeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	kp := &Keypair{private: priv}
	copy(kp.public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// LoadKeypair reads a keypair file. Accepts the JSON byte-array format
// written by solana-keygen or a single base58-encoded secret.
func LoadKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}

	var secret []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err == nil {
		secret = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair byte %d out of range", i)
			}
			secret[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(string(bytes.TrimSpace(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode keypair: %w", err)
		}
		secret = decoded
	}

	return NewKeypairFromSecret(secret)
}

// PublicKey returns the signer address.
func (k *Keypair) PublicKey() PublicKey {
	return k.public
}

// Sign signs message.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}
