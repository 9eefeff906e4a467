package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"vaultd/native/custody"
	"vaultd/native/vault"
	"vaultd/storage"
	"vaultd/storage/vaultstore"
)

const (
	vaultHex    = "0x0000000000000000000000000000000000000001"
	managerHex  = "0x0000000000000000000000000000000000000002"
	governorHex = "0x0000000000000000000000000000000000000003"
	aliceHex    = "0x000000000000000000000000000000000000000a"
	bobHex      = "0x000000000000000000000000000000000000000b"
)

type testStack struct {
	server *httptest.Server
	db     storage.Database
	store  *vaultstore.Store
	asset  *vaultstore.AssetLedger
}

func mustAddr(t *testing.T, hex string) [20]byte {
	t.Helper()
	addr, err := parseAddress(hex)
	require.NoError(t, err)
	return addr
}

func newTestStack(t *testing.T, secret string) *testStack {
	t.Helper()
	db := storage.NewMemDB()
	store := vaultstore.New(db)
	asset := vaultstore.NewAssetLedger(store)

	require.NoError(t, store.PutVaultState(&vault.State{
		IdleReserve: big.NewInt(0),
		TotalDebt:   big.NewInt(0),
		TotalSupply: big.NewInt(0),
		Decimals:    6,
		DepositCap:  vault.UnlimitedCap(),
		MinimumIdle: big.NewInt(0),
	}))
	require.NoError(t, store.Commit())

	engine := vault.NewEngine(mustAddr(t, vaultHex), mustAddr(t, managerHex))
	engine.SetState(store)
	engine.SetAsset(asset)

	custodyEngine := custody.NewEngine(mustAddr(t, governorHex), 7*24*60*60)
	custodyEngine.SetState(store)
	custodyEngine.SetVault(engine)

	srv := NewServer(engine, custodyEngine, asset, store, NewAuthenticator(secret, nil), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testStack{server: ts, db: db, store: store, asset: asset}
}

func (s *testStack) request(t *testing.T, method, path, token string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	decoded := make(map[string]interface{})
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (s *testStack) post(t *testing.T, path, token string, payload interface{}) (int, map[string]interface{}) {
	return s.request(t, http.MethodPost, path, token, payload)
}

func (s *testStack) get(t *testing.T, path string) (int, map[string]interface{}) {
	return s.request(t, http.MethodGet, path, "", nil)
}

func signToken(t *testing.T, secret, scope string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestDepositFlowOverHTTP(t *testing.T) {
	stack := newTestStack(t, "")

	status, _ := stack.post(t, "/v1/asset/mint", "", map[string]string{
		"receiver": aliceHex, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = stack.post(t, "/v1/asset/approve", "", map[string]string{
		"caller": aliceHex, "spender": vaultHex, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status)

	status, body := stack.post(t, "/v1/vault/deposit", "", map[string]string{
		"caller": aliceHex, "receiver": aliceHex, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["shares"])
	require.Equal(t, "1000", body["assets"])

	status, body = stack.get(t, "/v1/vault/balance/"+aliceHex)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["amount"])

	status, body = stack.get(t, "/v1/vault/state")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["totalIdle"])
	require.Equal(t, "1000", body["totalSupply"])
	require.Equal(t, "1000000", body["pricePerShare"])

	// The handler committed the overlay, so a cold store over the same
	// database sees the deposit.
	balance, err := vaultstore.New(stack.db).ShareBalance(mustAddr(t, aliceHex))
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(1000)))
}

func TestAdminSurfaceRequiresToken(t *testing.T) {
	const secret = "test-signing-secret"
	stack := newTestStack(t, secret)
	payload := map[string]string{"caller": managerHex}

	status, _ := stack.post(t, "/v1/admin/shutdown", "", payload)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = stack.post(t, "/v1/admin/shutdown", signToken(t, secret, ScopeGovernor), payload)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = stack.post(t, "/v1/admin/shutdown", "not-a-token", payload)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = stack.post(t, "/v1/admin/shutdown", signToken(t, secret, ScopeAdmin), payload)
	require.Equal(t, http.StatusOK, status)

	status, body := stack.get(t, "/v1/vault/state")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["shutdown"])
}

func TestGovernorScopeGatesCooldownChanges(t *testing.T) {
	const secret = "test-signing-secret"
	stack := newTestStack(t, secret)
	payload := map[string]interface{}{"caller": governorHex, "seconds": 14 * 24 * 60 * 60}

	status, _ := stack.post(t, "/v1/custody/cooldown/propose", signToken(t, secret, ScopeAdmin), payload)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = stack.post(t, "/v1/custody/cooldown/propose", signToken(t, secret, ScopeGovernor), payload)
	require.Equal(t, http.StatusOK, status)

	status, body := stack.get(t, "/v1/custody/cooldown")
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 7*24*60*60, body["cooldownSeconds"])
	require.EqualValues(t, 14*24*60*60, body["pendingSeconds"])

	// Engine-level authorization still applies under a valid token.
	payload["caller"] = aliceHex
	status, _ = stack.post(t, "/v1/custody/cooldown/cancel", signToken(t, secret, ScopeGovernor), map[string]string{"caller": aliceHex})
	require.Equal(t, http.StatusForbidden, status)
}

func TestErrorStatusMapping(t *testing.T) {
	stack := newTestStack(t, "")

	status, _ := stack.get(t, "/v1/vault/strategies/"+bobHex)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = stack.get(t, "/v1/custody/"+aliceHex)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = stack.get(t, "/v1/vault/balance/not-an-address")
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = stack.post(t, "/v1/vault/deposit", "", map[string]string{
		"caller": aliceHex, "receiver": aliceHex, "amount": "0",
	})
	require.Equal(t, http.StatusBadRequest, status)

	// No balance and no allowance: the asset pull fails.
	status, _ = stack.post(t, "/v1/vault/deposit", "", map[string]string{
		"caller": aliceHex, "receiver": aliceHex, "amount": "10",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = stack.post(t, "/v1/vault/redeem", "", map[string]string{
		"caller": aliceHex, "receiver": aliceHex, "owner": aliceHex, "amount": "5",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	// Unknown JSON fields are rejected outright.
	status, _ = stack.post(t, "/v1/vault/deposit", "", map[string]string{
		"caller": aliceHex, "receiver": aliceHex, "amount": "10", "bogus": "field",
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestCustodyLockGatesBaseWithdrawals(t *testing.T) {
	stack := newTestStack(t, "")

	status, _ := stack.post(t, "/v1/asset/mint", "", map[string]string{
		"receiver": aliceHex, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = stack.post(t, "/v1/asset/approve", "", map[string]string{
		"caller": aliceHex, "spender": vaultHex, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = stack.post(t, "/v1/vault/deposit", "", map[string]string{
		"caller": aliceHex, "receiver": aliceHex, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = stack.post(t, "/v1/custody/initiate", "", map[string]string{
		"caller": aliceHex, "amount": "500",
	})
	require.Equal(t, http.StatusOK, status)

	// The extension's own exit is still cooling down.
	status, _ = stack.post(t, "/v1/custody/withdraw", "", map[string]string{
		"caller": aliceHex, "amount": "500",
	})
	require.Equal(t, http.StatusConflict, status)

	// The base routes may not reach into the custodied shares either.
	status, _ = stack.post(t, "/v1/vault/withdraw", "", map[string]string{
		"caller": aliceHex, "amount": "1000",
	})
	require.Equal(t, http.StatusConflict, status)
	status, _ = stack.post(t, "/v1/vault/redeem", "", map[string]string{
		"caller": aliceHex, "amount": "600",
	})
	require.Equal(t, http.StatusConflict, status)

	// The unlocked remainder is free to leave.
	status, body := stack.post(t, "/v1/vault/withdraw", "", map[string]string{
		"caller": aliceHex, "amount": "500",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "500", body["shares"])

	status, body = stack.get(t, "/v1/vault/balance/"+aliceHex)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "500", body["amount"])

	// Everything left is custodied; the base path stays closed.
	status, _ = stack.post(t, "/v1/vault/withdraw", "", map[string]string{
		"caller": aliceHex, "amount": "1",
	})
	require.Equal(t, http.StatusConflict, status)

	status, body = stack.get(t, "/v1/custody/"+aliceHex)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "500", body["lockedShares"])
}
