package api

import (
	"time"

	"github.com/blockestate/settlement/pkg/settle"
	"github.com/blockestate/settlement/pkg/store"
)

// ==============================
// REST request/response types
// ==============================

// SettlementInfo is the wire form of a settlement record.
type SettlementInfo struct {
	TxHash           string `json:"tx_hash"`
	BuyOrderDigest   string `json:"buy_order_digest"`
	SellOrderDigest  string `json:"sell_order_digest"`
	PropertyToken    string `json:"property_token"`
	StablecoinToken  string `json:"stablecoin_token"`
	PropertyAmount   string `json:"property_amount"`
	StablecoinAmount string `json:"stablecoin_amount"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	Status           string `json:"status"`
	BlockNumber      uint64 `json:"block_number,omitempty"`
	GasUsed          uint64 `json:"gas_used,omitempty"`
	Error            string `json:"error,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

func toSettlementInfo(rec *store.SettlementRecord) SettlementInfo {
	return SettlementInfo{
		TxHash:           rec.TxHash,
		BuyOrderDigest:   rec.BuyOrderDigest,
		SellOrderDigest:  rec.SellOrderDigest,
		PropertyToken:    rec.PropertyToken,
		StablecoinToken:  rec.StablecoinToken,
		PropertyAmount:   rec.PropertyAmount,
		StablecoinAmount: rec.StablecoinAmount,
		Buyer:            rec.Buyer,
		Seller:           rec.Seller,
		Status:           string(rec.Status),
		BlockNumber:      rec.BlockNumber,
		GasUsed:          rec.GasUsed,
		Error:            rec.ErrorMessage,
		CreatedAt:        toUnix(rec.CreatedAt),
		UpdatedAt:        toUnix(rec.UpdatedAt),
	}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FailureInfo is the structured rejection body. Kind distinguishes the
// taxonomy; reason is always human-readable.
type FailureInfo struct {
	Kind          settle.FailureKind `json:"kind"`
	Reason        string             `json:"reason"`
	TxHash        string             `json:"tx_hash,omitempty"`
	ActiveModules []string           `json:"active_modules,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
}

// DepositRequest asks the escrow ledger to confirm a deposit.
type DepositRequest struct {
	Token  string `json:"token"`
	Wallet string `json:"wallet"`
	Amount string `json:"amount"` // BigInt as string
}

// ApproveRequest grants the settlement contract spending authorization.
type ApproveRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"` // BigInt as string
}

// CheckRequest is a single compliance transfer check.
type CheckRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"` // BigInt as string
}

// BatchCheckRequest checks several transfers from one sender.
// Recipients and amounts must have equal length.
type BatchCheckRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Amounts []string `json:"amounts"`
}

// ModuleRequest targets a compliance module lifecycle operation.
type ModuleRequest struct {
	Module string `json:"module"`
	Token  string `json:"token,omitempty"` // bind target, when applicable
}

// ModuleInfo is one registered compliance module.
type ModuleInfo struct {
	Address string `json:"address"`
	Active  bool   `json:"active"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// DepositBalance is the cumulative confirmed deposit for a pair.
type DepositBalance struct {
	Token  string `json:"token"`
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
}

// ==============================
// WebSocket message types
// ==============================

// WatchRequest narrows a client's feed to specific wallets. A client
// with no watched wallets receives every settlement.
type WatchRequest struct {
	Op      string   `json:"op"` // "watch" or "unwatch"
	Wallets []string `json:"wallets"`
}

// SettlementEvent is the server push emitted on every settlement status
// transition.
type SettlementEvent struct {
	Type       string         `json:"type"` // "settlement_update"
	Settlement SettlementInfo `json:"settlement"`
}
