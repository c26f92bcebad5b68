package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

// signerService serves the signer_* namespace from a local key.
type signerService struct {
	keyID string
	local *LocalSigner
}

func (s *signerService) PublicKey(ctx context.Context, keyID string) (hexutil.Bytes, error) {
	if keyID != s.keyID {
		return nil, errors.New("key not found")
	}
	pub, err := s.local.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

func (s *signerService) Sign(ctx context.Context, keyID string, seed, digest hexutil.Bytes) (hexutil.Bytes, error) {
	if keyID != s.keyID {
		return nil, errors.New("key not found")
	}
	var d [32]byte
	copy(d[:], digest)
	return s.local.Sign(ctx, seed, d)
}

func newRemoteSigner(t *testing.T, keyID string) *RemoteSigner {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("signer", &signerService{keyID: "escrow", local: newTestSigner(t)}))
	t.Cleanup(srv.Stop)

	s := NewRemoteSigner(rpc.DialInProc(srv), keyID)
	t.Cleanup(s.Close)
	return s
}

func TestRemoteSignerMatchesLocal(t *testing.T) {
	ctx := context.Background()
	local := New(testConfig(), newTestSigner(t))
	remote := New(testConfig(), newRemoteSigner(t, "escrow"))

	want, err := local.DeriveForeignAddress(ctx, []byte("order-0001"))
	require.NoError(t, err)
	got, err := remote.DeriveForeignAddress(ctx, []byte("order-0001"))
	require.NoError(t, err)
	require.Equal(t, want, got)

	report := remote.CheckSigningHealth(ctx)
	require.Equal(t, Healthy, report.State)
}

func TestRemoteSignerUnknownKey(t *testing.T) {
	b := New(testConfig(), newRemoteSigner(t, "other"))

	_, err := b.DeriveForeignAddress(context.Background(), []byte("order-0001"))
	require.ErrorIs(t, err, ErrThresholdSigningUnavailable)

	report := b.CheckSigningHealth(context.Background())
	require.Equal(t, Unavailable, report.State)
	require.Equal(t, 1, report.RecentFailures)
}
