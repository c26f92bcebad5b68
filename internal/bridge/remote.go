package bridge

import (
	"context"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RemoteSigner talks JSON-RPC to a threshold signing service exposing
// signer_publicKey(keyID) and signer_sign(keyID, seed, digest).
type RemoteSigner struct {
	client *rpc.Client
	keyID  string
}

// DialRemoteSigner connects to the signing service at url.
func DialRemoteSigner(ctx context.Context, url, keyID string) (*RemoteSigner, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signer: %w", err)
	}
	return NewRemoteSigner(client, keyID), nil
}

// NewRemoteSigner wraps an existing client.
func NewRemoteSigner(client *rpc.Client, keyID string) *RemoteSigner {
	return &RemoteSigner{client: client, keyID: keyID}
}

// PublicKey implements Signer.
func (s *RemoteSigner) PublicKey(ctx context.Context) (*secp256k1.PublicKey, error) {
	var raw hexutil.Bytes
	if err := s.client.CallContext(ctx, &raw, "signer_publicKey", s.keyID); err != nil {
		return nil, err
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed public key from signer: %w", err)
	}
	return pub, nil
}

// Sign implements Signer.
func (s *RemoteSigner) Sign(ctx context.Context, seed []byte, digest [32]byte) ([]byte, error) {
	var sig hexutil.Bytes
	err := s.client.CallContext(ctx, &sig, "signer_sign", s.keyID, hexutil.Bytes(seed), hexutil.Bytes(digest[:]))
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Close releases the connection.
func (s *RemoteSigner) Close() {
	s.client.Close()
}
