package core

// Node identity — a long-lived Ed25519 keypair persisted on disk as exactly
// 64 bytes (private + public concatenated, the same raw form
// crypto/ed25519.PrivateKey and libp2p's Ed25519 key marshaling both use),
// per spec.md §4.5. On first boot a fresh keypair is generated and saved.

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateIdentity reads the 64-byte Ed25519 private key at path,
// generating and persisting a fresh one if the file does not exist.
func LoadOrCreateIdentity(path string) (ed25519.PrivateKey, libp2pcrypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("core: identity file %s has %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
		}
		return finishIdentity(raw)
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("%w: read identity: %v", ErrIo, err)
	}

	_, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, nil, fmt.Errorf("core: generate identity: %w", genErr)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, nil, fmt.Errorf("%w: persist identity: %v", ErrIo, err)
	}
	return finishIdentity(priv)
}

func finishIdentity(raw ed25519.PrivateKey) (ed25519.PrivateKey, libp2pcrypto.PrivKey, error) {
	p2pPriv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("core: unmarshal libp2p identity: %w", err)
	}
	return raw, p2pPriv, nil
}

// AddressFromPublicKey derives a blockchain Address from an Ed25519 public
// key's raw bytes.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	var a Address
	copy(a[:], pub)
	return a
}
