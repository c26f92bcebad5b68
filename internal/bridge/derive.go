package bridge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var errInvalidTweak = errors.New("derivation tweak out of range")

// derivationTweak is H(compressed root || seed) as a scalar.
func derivationTweak(root *secp256k1.PublicKey, seed []byte) (*secp256k1.ModNScalar, error) {
	h := sha256.New()
	h.Write(root.SerializeCompressed())
	h.Write(seed)
	sum := h.Sum(nil)

	var tweak secp256k1.ModNScalar
	if overflow := tweak.SetByteSlice(sum); overflow || tweak.IsZero() {
		return nil, errInvalidTweak
	}
	return &tweak, nil
}

// DeriveChildPublicKey returns root + H(root || seed)*G. Anyone holding the
// root public key can reproduce it.
func DeriveChildPublicKey(root *secp256k1.PublicKey, seed []byte) (*secp256k1.PublicKey, error) {
	tweak, err := derivationTweak(root, seed)
	if err != nil {
		return nil, err
	}

	var rootPoint, tweakPoint, child secp256k1.JacobianPoint
	root.AsJacobian(&rootPoint)
	secp256k1.ScalarBaseMultNonConst(tweak, &tweakPoint)
	secp256k1.AddNonConst(&rootPoint, &tweakPoint, &child)
	if (child.X.IsZero() && child.Y.IsZero()) || child.Z.IsZero() {
		return nil, errInvalidTweak
	}
	child.ToAffine()

	return secp256k1.NewPublicKey(&child.X, &child.Y), nil
}

// DeriveChildPrivateKey returns root + H(rootPub || seed) mod n, the private
// key matching DeriveChildPublicKey.
func DeriveChildPrivateKey(root *secp256k1.PrivateKey, seed []byte) (*secp256k1.PrivateKey, error) {
	tweak, err := derivationTweak(root.PubKey(), seed)
	if err != nil {
		return nil, err
	}
	var k secp256k1.ModNScalar
	k.Set(&root.Key)
	k.Add(tweak)
	if k.IsZero() {
		return nil, errInvalidTweak
	}
	return secp256k1.NewPrivateKey(&k), nil
}

// PublicKeyToAddress converts a secp256k1 key to an EVM address.
func PublicKeyToAddress(pub *secp256k1.PublicKey) (common.Address, error) {
	ecdsaPub, err := crypto.UnmarshalPubkey(pub.SerializeUncompressed())
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid public key: %w", err)
	}
	return crypto.PubkeyToAddress(*ecdsaPub), nil
}

// DeriveAddress derives the EVM address controlled by the signer for seed.
func DeriveAddress(root *secp256k1.PublicKey, seed []byte) (common.Address, error) {
	child, err := DeriveChildPublicKey(root, seed)
	if err != nil {
		return common.Address{}, err
	}
	return PublicKeyToAddress(child)
}

// keyring caches the signer's root public key and derives per-seed addresses.
type keyring struct {
	signer Signer
	retry  *retrier

	mu   sync.Mutex
	root *secp256k1.PublicKey
}

func newKeyring(signer Signer, retry *retrier) *keyring {
	return &keyring{signer: signer, retry: retry}
}

// rootKey fetches the root key once. Failures are ErrThresholdSigningUnavailable.
func (k *keyring) rootKey(ctx context.Context) (*secp256k1.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.root != nil {
		return k.root, nil
	}

	var root *secp256k1.PublicKey
	err := k.retry.do(ctx, "signer_public_key", k.retry.signingTimeout, func(ctx context.Context) error {
		pub, err := k.signer.PublicKey(ctx)
		if err != nil {
			return err
		}
		root = pub
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrThresholdSigningUnavailable, err)
	}
	k.root = root
	return root, nil
}

// address derives the EVM address for seed.
func (k *keyring) address(ctx context.Context, seed []byte) (common.Address, error) {
	if len(seed) == 0 {
		return common.Address{}, fmt.Errorf("%w: empty seed", ErrInvalidParams)
	}
	root, err := k.rootKey(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return DeriveAddress(root, seed)
}

// sign asks the signer for a signature over digest with the seed's child key
// and checks that it recovers to the derived address.
func (k *keyring) sign(ctx context.Context, seed []byte, digest [32]byte, want common.Address) ([]byte, error) {
	var sig []byte
	err := k.retry.do(ctx, "threshold_sign", k.retry.signingTimeout, func(ctx context.Context) error {
		s, err := k.signer.Sign(ctx, seed, digest)
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrThresholdSigningUnavailable, err)
	}

	if len(sig) != crypto.SignatureLength {
		return nil, &RequestError{Op: "threshold_sign", Attempts: 1,
			Err: fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)}
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, &RequestError{Op: "threshold_sign", Attempts: 1, Err: fmt.Errorf("unrecoverable signature: %w", err)}
	}
	if got := crypto.PubkeyToAddress(*pub); got != want {
		return nil, &RequestError{Op: "threshold_sign", Attempts: 1,
			Err: fmt.Errorf("signature recovers to %s, want %s", got.Hex(), want.Hex())}
	}
	return sig, nil
}
