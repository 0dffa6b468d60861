// Package chain is the engine's execution collaborator: contract reads,
// transaction dispatch, and confirmation tracking against the ledger
// that is the authoritative source of settlement state.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt is the engine's view of an execution outcome.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64 // 1 = success, 0 = reverted
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// DispatchRequest carries everything the settlement contract needs to
// execute an atomic trade: both digests, both signatures, and the agreed
// amounts. The contract re-verifies signatures and marks both digests
// executed in the same transaction.
type DispatchRequest struct {
	BuyDigest        common.Hash
	SellDigest       common.Hash
	Buyer            common.Address
	Seller           common.Address
	PropertyToken    common.Address
	StablecoinToken  common.Address
	PropertyAmount   *big.Int
	StablecoinAmount *big.Int
	BuySignature     []byte
	SellSignature    []byte
}

// ModuleOp names a compliance-module lifecycle operation on the registry.
type ModuleOp string

const (
	OpAddModule         ModuleOp = "addModule"
	OpRemoveModule      ModuleOp = "removeModule"
	OpActivateModule    ModuleOp = "activateModule"
	OpDeactivateModule  ModuleOp = "deactivateModule"
	OpBindTokenToModule ModuleOp = "bindTokenToModule"
)
