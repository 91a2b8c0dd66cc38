package api

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/minjekim/veriswap/pkg/core/order"
)

// Request/response types for the REST surface. Addresses are 0x-hex
// strings, amounts decimal strings; the caller field names the account a
// privileged operation runs as (authentication of that account is the
// host's concern, not the settlement core's).

type DepositRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type WithdrawRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type FillRequest struct {
	Order     order.Order   `json:"order"`
	Signature hexutil.Bytes `json:"signature"`
	Taker     string        `json:"taker"`
}

type MintRequest struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type ApproveRequest struct {
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type RegisterIdentityRequest struct {
	Caller      string `json:"caller"`
	Account     string `json:"account"`
	IdentityRef string `json:"identityRef"` // 0x-hex 32 bytes
	Country     uint16 `json:"country"`
}

type SetVerifiedRequest struct {
	Caller   string `json:"caller"`
	Account  string `json:"account"`
	Verified bool   `json:"verified"`
}

type UpdateCountryRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Country uint16 `json:"country"`
}

type RecoverIdentityRequest struct {
	Caller     string `json:"caller"`
	OldAccount string `json:"oldAccount"`
	NewAccount string `json:"newAccount"`
}

type AgentRequest struct {
	Caller string `json:"caller"`
	Agent  string `json:"agent"`
	Remove bool   `json:"remove,omitempty"`
}

type WhitelistRequest struct {
	Caller      string `json:"caller"`
	Account     string `json:"account"`
	Whitelisted bool   `json:"whitelisted"`
	Attestation string `json:"attestation,omitempty"` // 0x-hex 32 bytes
}

type OrderStatusResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type SubmitResponse struct {
	Hash string `json:"hash"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
