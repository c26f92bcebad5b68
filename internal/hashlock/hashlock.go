// Package hashlock verifies HTLC preimages against their committed hash.
package hashlock

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/klingon-exchange/fusion-escrow/pkg/helpers"
)

// Size is the length of a hashlock in bytes.
const Size = sha256.Size

// ErrInvalidHashlock is returned when a hashlock is not 32 bytes of hex.
var ErrInvalidHashlock = errors.New("invalid hashlock")

// Hash returns sha256(preimage).
func Hash(preimage []byte) [Size]byte {
	return sha256.Sum256(preimage)
}

// Verify reports whether sha256(preimage) equals hashlock.
// Preimages of any length are accepted; a hashlock that is not 32 bytes never matches.
func Verify(preimage, hashlock []byte) bool {
	if len(hashlock) != Size {
		return false
	}
	h := sha256.Sum256(preimage)
	return helpers.ConstantTimeCompare(h[:], hashlock)
}

// GenerateSecret returns a random 32-byte secret and its hashlock.
func GenerateSecret() (secret [32]byte, hash [Size]byte, err error) {
	b, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return secret, hash, fmt.Errorf("failed to generate secret: %w", err)
	}
	copy(secret[:], b)
	return secret, sha256.Sum256(secret[:]), nil
}

// ParseHashlock decodes a 64 character hex hashlock, with or without 0x.
func ParseHashlock(s string) ([Size]byte, error) {
	h, err := helpers.HexToBytes32(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHashlock, err)
	}
	return h, nil
}
