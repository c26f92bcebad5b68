package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Signer is the threshold-signing subsystem. It exposes a root public key
// and signs digests with the child key derived from a seed. The private
// key never leaves the signer.
type Signer interface {
	// PublicKey returns the root public key.
	PublicKey(ctx context.Context) (*secp256k1.PublicKey, error)

	// Sign returns a 65-byte [R || S || V] signature over digest made with
	// the child key for seed. V is 0 or 1.
	Sign(ctx context.Context, seed []byte, digest [32]byte) ([]byte, error)
}

// rootKeyPath is m/44'/60'/0', the hardened account the signer's root key
// lives at.
var rootKeyPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
}

// LocalSigner holds the root key in process. It stands in for a threshold
// signing service in development and tests.
type LocalSigner struct {
	root *btcec.PrivateKey
}

// NewLocalSigner derives the root key from a BIP39 mnemonic.
func NewLocalSigner(mnemonic, passphrase string) (*LocalSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer clear(seed)

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	for _, idx := range rootKeyPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to derive root key: %w", err)
		}
	}

	root, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get root key: %w", err)
	}
	return &LocalSigner{root: root}, nil
}

// OpenLocalSigner decrypts a key file and builds a LocalSigner from it.
func OpenLocalSigner(path, password string) (*LocalSigner, error) {
	kf, err := LoadKeyFile(path)
	if err != nil {
		return nil, err
	}
	mnemonic, err := DecryptMnemonic(kf, password)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(mnemonic, "")
}

// PublicKey implements Signer.
func (s *LocalSigner) PublicKey(ctx context.Context) (*secp256k1.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.root.PubKey(), nil
}

// Sign implements Signer.
func (s *LocalSigner) Sign(ctx context.Context, seed []byte, digest [32]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	child, err := DeriveChildPrivateKey(s.root, seed)
	if err != nil {
		return nil, err
	}
	defer child.Zero()

	raw := child.Serialize()
	defer clear(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert child key: %w", err)
	}
	return crypto.Sign(digest[:], key)
}
