package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Amounts travel as decimal strings so callers never lose precision to JSON
// numbers; addresses are 0x-prefixed hex.

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	copy(addr[:], ethcommon.HexToAddress(trimmed).Bytes())
	return addr, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}

func formatAddress(addr [20]byte) string {
	return ethcommon.BytesToAddress(addr[:]).Hex()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseQueue(raw []string) ([][20]byte, error) {
	if raw == nil {
		return nil, nil
	}
	queue := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		addr, err := parseAddress(entry)
		if err != nil {
			return nil, err
		}
		queue = append(queue, addr)
	}
	return queue, nil
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type amountRequest struct {
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

type redeemRequest struct {
	Caller     string   `json:"caller"`
	Receiver   string   `json:"receiver"`
	Owner      string   `json:"owner"`
	Amount     string   `json:"amount"`
	MaxLossBps *uint64  `json:"maxLossBps"`
	Queue      []string `json:"queue"`
}

type transferRequest struct {
	Caller string `json:"caller"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type approveRequest struct {
	Caller  string `json:"caller"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type permitRequest struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

type vaultStateResponse struct {
	TotalAssets       string   `json:"totalAssets"`
	TotalIdle         string   `json:"totalIdle"`
	TotalDebt         string   `json:"totalDebt"`
	TotalSupply       string   `json:"totalSupply"`
	RawTotalSupply    string   `json:"rawTotalSupply"`
	PricePerShare     string   `json:"pricePerShare"`
	Decimals          uint8    `json:"decimals"`
	DepositCap        string   `json:"depositCap"`
	MinimumIdle       string   `json:"minimumIdle"`
	Shutdown          bool     `json:"shutdown"`
	AutoAllocate      bool     `json:"autoAllocate"`
	DefaultQueue      []string `json:"defaultQueue"`
	MaxUnlockDuration uint64   `json:"maxUnlockDurationSeconds"`
}

type strategyResponse struct {
	Strategy       string `json:"strategy"`
	ActivationTime int64  `json:"activationTime"`
	LastReportTime int64  `json:"lastReportTime"`
	CurrentDebt    string `json:"currentDebt"`
	MaxDebt        string `json:"maxDebt"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type sharesAssetsResponse struct {
	Shares string `json:"shares"`
	Assets string `json:"assets"`
}

type reportResponse struct {
	Gain string `json:"gain"`
	Loss string `json:"loss"`
}

type custodyResponse struct {
	Holder       string `json:"holder"`
	LockedShares string `json:"lockedShares"`
	UnlockTime   int64  `json:"unlockTime"`
}

type cooldownResponse struct {
	CooldownSeconds uint64 `json:"cooldownSeconds"`
	PendingSeconds  uint64 `json:"pendingSeconds,omitempty"`
	ProposedAt      int64  `json:"proposedAt,omitempty"`
}
