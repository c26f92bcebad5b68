package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
	"github.com/klingon-exchange/fusion-escrow/internal/hashlock"
	"github.com/klingon-exchange/fusion-escrow/internal/ledger"
	"github.com/klingon-exchange/fusion-escrow/internal/metrics"
	"github.com/klingon-exchange/fusion-escrow/internal/storage"
	"github.com/klingon-exchange/fusion-escrow/internal/timelock"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	ledger *ledger.Ledger
	clock  *clock.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(logging.Discard())
	require.NoError(t, l.Mint("ICP", "alice", 10_000))

	signer, err := bridge.NewLocalSigner(testMnemonic, "")
	require.NoError(t, err)

	met := metrics.New()
	bcfg := bridge.DefaultConfig()
	bcfg.Logger = logging.Discard()
	bcfg.Metrics = met
	b := bridge.New(bcfg, signer)

	mock := clock.NewMock()
	mock.Set(time.Now())

	m := escrow.NewManager(escrow.Config{
		Timelock: timelock.DefaultConfig(),
		Clock:    mock,
		Logger:   logging.Discard(),
		Metrics:  met,
	}, store, l, b)

	srv := NewServer(m, met)
	go srv.WSHub().Run()
	t.Cleanup(srv.WSHub().Close)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{srv: srv, http: hs, ledger: l, clock: mock}
}

type testResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (e *testEnv) call(t *testing.T, method string, params interface{}) *testResponse {
	t.Helper()

	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(e.http.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func (e *testEnv) mustCall(t *testing.T, method string, params, result interface{}) {
	t.Helper()
	resp := e.call(t, method, params)
	require.Nil(t, resp.Error, "%s failed: %+v", method, resp.Error)
	if result != nil {
		require.NoError(t, json.Unmarshal(resp.Result, result))
	}
}

func errorData(t *testing.T, e *Error) map[string]interface{} {
	t.Helper()
	data, ok := e.Data.(map[string]interface{})
	require.True(t, ok, "error data = %#v", e.Data)
	return data
}

func createArgs(id, secret string) map[string]interface{} {
	h := hashlock.Hash([]byte(secret))
	return map[string]interface{}{
		"escrow_id":         id,
		"hashlock":          hexutil.Encode(h[:]),
		"timelock_duration": int64(2 * time.Hour),
		"token":             "ICP",
		"amount":            1000,
		"safety_deposit":    10,
		"depositor":         "alice",
		"recipient":         "bob",
	}
}

func TestRPCProtocolErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	var parsed testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	resp.Body.Close()
	require.Equal(t, ParseError, parsed.Error.Code)

	resp, err = http.Post(env.http.URL, "application/json", strings.NewReader(`{"jsonrpc":"1.0","method":"daemon_status","id":1}`))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	resp.Body.Close()
	require.Equal(t, InvalidRequest, parsed.Error.Code)

	r := env.call(t, "no_such_method", nil)
	require.Equal(t, MethodNotFound, r.Error.Code)

	r = env.call(t, "deposit_tokens", nil)
	require.Equal(t, InvalidParams, r.Error.Code)

	r = env.call(t, "deposit_tokens", map[string]interface{}{"escrow_id": 7})
	require.Equal(t, InvalidParams, r.Error.Code)
}

func TestRPCLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var created CreateEscrowResult
	env.mustCall(t, "create_icp_escrow", createArgs("order-0001", "secret1"), &created)
	require.Equal(t, "order-0001", created.EscrowID)
	require.Equal(t, "created", created.State)

	var deposited EscrowStateResult
	env.mustCall(t, "deposit_tokens", map[string]interface{}{"escrow_id": "order-0001", "amount": 1000}, &deposited)
	require.Equal(t, "funded", deposited.State)

	r := env.call(t, "claim_escrow", map[string]interface{}{
		"escrow_id": "order-0001",
		"preimage":  hex.EncodeToString([]byte("wrong")),
	})
	require.NotNil(t, r.Error)
	require.Equal(t, CodeInvalidSecret, r.Error.Code)
	data := errorData(t, r.Error)
	require.Equal(t, string(escrow.CategoryCryptographic), data["category"])
	require.Equal(t, true, data["retryable"])

	var claimed EscrowStateResult
	env.mustCall(t, "claim_escrow", map[string]interface{}{
		"escrow_id": "order-0001",
		"preimage":  hex.EncodeToString([]byte("secret1")),
	}, &claimed)
	require.Equal(t, "claimed", claimed.State)
	require.Equal(t, uint64(1010), env.ledger.Balance("ICP", "bob"))

	var status struct {
		Escrow struct {
			State    string `json:"state"`
			Hashlock string `json:"hashlock"`
		} `json:"escrow"`
		ICPStatus struct {
			Kind string `json:"kind"`
		} `json:"icp_timelock_status"`
	}
	env.mustCall(t, "get_escrow_status", map[string]interface{}{"escrow_id": "order-0001"}, &status)
	require.Equal(t, "claimed", status.Escrow.State)
	require.Equal(t, "active", status.ICPStatus.Kind)

	var events ListEventsResult
	env.mustCall(t, "list_escrow_events", map[string]interface{}{"escrow_id": "order-0001"}, &events)
	kinds := make([]escrow.EventKind, len(events.Events))
	for i, ev := range events.Events {
		kinds[i] = ev.Kind
	}
	require.Equal(t, []escrow.EventKind{escrow.EventCreated, escrow.EventFunded, escrow.EventSecretRevealed}, kinds)
}

func TestRPCRefund(t *testing.T) {
	env := newTestEnv(t)

	env.mustCall(t, "create_icp_escrow", createArgs("order-0002", "secret2"), nil)
	env.mustCall(t, "deposit_tokens", map[string]interface{}{"escrow_id": "order-0002", "amount": 1000}, nil)

	r := env.call(t, "refund_escrow", map[string]interface{}{"escrow_id": "order-0002"})
	require.NotNil(t, r.Error)
	require.Equal(t, CodeTimelockNotExpired, r.Error.Code)

	env.clock.Add(3 * time.Hour)

	var refunded EscrowStateResult
	env.mustCall(t, "refund_escrow", map[string]interface{}{"escrow_id": "order-0002"}, &refunded)
	require.Equal(t, "refunded", refunded.State)
	require.Equal(t, uint64(10_000), env.ledger.Balance("ICP", "alice"))
}

func TestRPCEscrowErrors(t *testing.T) {
	env := newTestEnv(t)

	env.mustCall(t, "create_icp_escrow", createArgs("order-0003", "secret3"), nil)

	tests := []struct {
		name   string
		method string
		params map[string]interface{}
		code   int
	}{
		{"duplicate", "create_icp_escrow", createArgs("order-0003", "secret3"), CodeEscrowAlreadyExists},
		{"bad hashlock", "create_icp_escrow", func() map[string]interface{} {
			a := createArgs("order-0004", "x")
			a["hashlock"] = "0x1234"
			return a
		}(), CodeInvalidInput},
		{"short timelock", "create_icp_escrow", func() map[string]interface{} {
			a := createArgs("order-0005", "x")
			a["timelock_duration"] = int64(time.Minute)
			return a
		}(), CodeTimelockTooShort},
		{"unknown escrow", "get_escrow_status", map[string]interface{}{"escrow_id": "missing-000"}, CodeEscrowNotFound},
		{"amount mismatch", "deposit_tokens", map[string]interface{}{"escrow_id": "order-0003", "amount": 999}, CodeAmountMismatch},
		{"claim unfunded", "claim_escrow", map[string]interface{}{"escrow_id": "order-0003", "preimage": "00"}, CodeInvalidState},
		{"no foreign leg", "create_foreign_escrow_via_chain_fusion", map[string]interface{}{"escrow_id": "order-0003"}, CodeNoForeignLeg},
		{"bad state filter", "list_escrows", map[string]interface{}{"state": "pending"}, CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.call(t, tt.method, tt.params)
			require.NotNil(t, r.Error)
			require.Equal(t, tt.code, r.Error.Code, "error: %+v", r.Error)
			data := errorData(t, r.Error)
			require.NotEmpty(t, data["category"])
		})
	}
}

func TestRPCForeignCreationFailureKeepsEscrow(t *testing.T) {
	env := newTestEnv(t)

	args := createArgs("order-0006", "secret6")
	args["foreign"] = map[string]interface{}{
		"chain_id": 1,
		"receiver": "0x00000000000000000000000000000000000000aa",
		"amount":   "5000",
	}

	r := env.call(t, "create_icp_escrow", args)
	require.NotNil(t, r.Error)
	require.Equal(t, CodeUnsupportedChain, r.Error.Code)
	data := errorData(t, r.Error)
	require.Equal(t, "order-0006", data["escrow_id"])
	require.Equal(t, string(escrow.CategoryChainFusion), data["category"])

	var status struct {
		Escrow struct {
			State      string `json:"state"`
			ForeignRef string `json:"foreign_ref"`
		} `json:"escrow"`
	}
	env.mustCall(t, "get_escrow_status", map[string]interface{}{"escrow_id": "order-0006"}, &status)
	require.Equal(t, "created", status.Escrow.State)
	require.Empty(t, status.Escrow.ForeignRef)

	r = env.call(t, "create_icp_escrow", func() map[string]interface{} {
		a := createArgs("order-0007", "x")
		a["foreign"] = map[string]interface{}{"chain_id": 1, "receiver": "0x00000000000000000000000000000000000000aa", "amount": "lots"}
		return a
	}())
	require.Equal(t, CodeInvalidInput, r.Error.Code)
}

func TestRPCChainFusion(t *testing.T) {
	env := newTestEnv(t)

	var bySeed, byID DeriveAddressResult
	env.mustCall(t, "derive_deterministic_foreign_address", map[string]interface{}{
		"seed": hex.EncodeToString([]byte("order-0008")),
	}, &bySeed)
	env.mustCall(t, "derive_deterministic_foreign_address", map[string]interface{}{
		"escrow_id": "order-0008",
	}, &byID)
	require.Equal(t, bySeed.Address, byID.Address)
	require.True(t, strings.HasPrefix(bySeed.Address, "0x"))
	require.Len(t, bySeed.Address, 42)

	var other DeriveAddressResult
	env.mustCall(t, "derive_deterministic_foreign_address", map[string]interface{}{"escrow_id": "order-0009"}, &other)
	require.NotEqual(t, bySeed.Address, other.Address)

	r := env.call(t, "derive_deterministic_foreign_address", map[string]interface{}{"seed": "00", "escrow_id": "x"})
	require.Equal(t, InvalidParams, r.Error.Code)

	r = env.call(t, "derive_deterministic_foreign_address", map[string]interface{}{})
	require.Equal(t, CodeInvalidInput, r.Error.Code)

	var health bridge.HealthReport
	env.mustCall(t, "check_signing_health", nil, &health)
	require.Equal(t, bridge.Healthy, health.State)
	require.Equal(t, 1, health.Attempts)

	r = env.call(t, "verify_foreign_escrow_state", map[string]interface{}{"chain_id": 1})
	require.Equal(t, InvalidParams, r.Error.Code)

	r = env.call(t, "verify_foreign_escrow_state", map[string]interface{}{
		"chain_id":  1,
		"reference": "0x" + strings.Repeat("ab", 32),
	})
	require.Equal(t, CodeUnsupportedChain, r.Error.Code)
}

func TestRPCListExportStatus(t *testing.T) {
	env := newTestEnv(t)

	env.mustCall(t, "create_icp_escrow", createArgs("order-0010", "a"), nil)
	env.mustCall(t, "create_icp_escrow", createArgs("order-0011", "b"), nil)
	env.mustCall(t, "deposit_tokens", map[string]interface{}{"escrow_id": "order-0011", "amount": 1000}, nil)

	var all ListEscrowsResult
	env.mustCall(t, "list_escrows", nil, &all)
	require.Equal(t, 2, all.Count)

	var funded ListEscrowsResult
	env.mustCall(t, "list_escrows", map[string]interface{}{"state": "funded"}, &funded)
	require.Equal(t, 1, funded.Count)
	require.Equal(t, "order-0011", funded.Escrows[0].ID)

	var snap escrow.Snapshot
	env.mustCall(t, "export_escrows", nil, &snap)
	require.Equal(t, escrow.SnapshotVersion, snap.Version)
	require.Len(t, snap.Escrows, 2)
	require.Len(t, snap.Events, 3)

	var status DaemonStatusResult
	env.mustCall(t, "daemon_status", nil, &status)
	require.Equal(t, Version, status.Version)
	require.Equal(t, 1, status.Escrows["created"])
	require.Equal(t, 1, status.Escrows["funded"])
}

func TestRPCGenerateSecret(t *testing.T) {
	env := newTestEnv(t)

	var gen GenerateSecretResult
	env.mustCall(t, "generate_secret", nil, &gen)
	secret, err := hexutil.Decode(gen.Secret)
	require.NoError(t, err)
	require.Len(t, secret, 32)
	want := hashlock.Hash(secret)
	require.Equal(t, hexutil.Encode(want[:]), gen.Hashlock)

	var other GenerateSecretResult
	env.mustCall(t, "generate_secret", nil, &other)
	require.NotEqual(t, gen.Secret, other.Secret)

	// The pair drives a full claim
	args := createArgs("order-0020", "unused")
	args["hashlock"] = gen.Hashlock
	env.mustCall(t, "create_icp_escrow", args, nil)
	env.mustCall(t, "deposit_tokens", map[string]interface{}{"escrow_id": "order-0020", "amount": 1000}, nil)
	var claimed EscrowStateResult
	env.mustCall(t, "claim_escrow", map[string]interface{}{
		"escrow_id": "order-0020",
		"preimage":  gen.Secret,
	}, &claimed)
	require.Equal(t, "claimed", claimed.State)
}

func TestRPCDaemonStatusBridge(t *testing.T) {
	env := newTestEnv(t)

	var status DaemonStatusResult
	env.mustCall(t, "daemon_status", nil, &status)
	require.Empty(t, status.ForeignChains)
	require.Nil(t, status.SigningHealth)

	env.mustCall(t, "check_signing_health", nil, nil)

	env.mustCall(t, "daemon_status", nil, &status)
	require.NotNil(t, status.SigningHealth)
	require.Equal(t, bridge.Healthy, status.SigningHealth.State)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "create_icp_escrow", createArgs("order-0012", "m"), nil)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `fusion_escrow_escrow_operations_total{op="create_escrow",result="ok"} 1`)
	require.Contains(t, string(body), "fusion_escrow_escrow_transitions_total")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return env.srv.WSHub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *WSEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev WSEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func subscribed(hub *WSHub, event EventType) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for c := range hub.clients {
		c.mu.RLock()
		ok := c.subscriptions[event]
		c.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

func TestWebSocketEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	env.mustCall(t, "create_icp_escrow", createArgs("order-0013", "w"), nil)

	ev := readEvent(t, conn)
	require.Equal(t, EventEscrowCreated, ev.Type)
	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "order-0013", data["escrow_id"])
	require.Equal(t, "created", data["state"])

	require.NoError(t, conn.WriteJSON(&WSSubscription{Action: "subscribe", Events: []string{string(EventEscrowFunded)}}))
	require.Eventually(t, func() bool { return subscribed(env.srv.WSHub(), EventEscrowFunded) }, 2*time.Second, 10*time.Millisecond)

	// Filtered out: only funding events are subscribed.
	env.mustCall(t, "create_icp_escrow", createArgs("order-0014", "w2"), nil)
	env.mustCall(t, "deposit_tokens", map[string]interface{}{"escrow_id": "order-0014", "amount": 1000}, nil)

	ev = readEvent(t, conn)
	require.Equal(t, EventEscrowFunded, ev.Type)
}

func TestWebSocketHubClose(t *testing.T) {
	hub := NewWSHub()
	require.Zero(t, hub.ClientCount())

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Notify(&escrow.Event{EscrowID: "order-0015", Kind: escrow.EventCreated, At: time.Now()})
	hub.Close()
	hub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestServerStartStop(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.srv.Start("127.0.0.1:0"))
	require.NotEmpty(t, env.srv.Addr())

	resp, err := http.Post("http://"+env.srv.Addr(), "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"daemon_status","id":"a"}`))
	require.NoError(t, err)
	var parsed Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	resp.Body.Close()
	require.Nil(t, parsed.Error)
	require.Equal(t, "a", parsed.ID)

	require.NoError(t, env.srv.Stop())
}
