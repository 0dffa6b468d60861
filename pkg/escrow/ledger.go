// Package escrow tracks token balances and spending authorization
// against the settlement contract, and records confirmed deposits.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/pkg/chain"
)

// Shortfall reasons are distinct so callers can tell the user what to
// fix: top up the wallet, or grant an approval.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance: approval required")
)

// Backend is the slice of the execution collaborator the ledger consumes.
type Backend interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	SimulateApprove(ctx context.Context, token common.Address, amount *big.Int) error
	DispatchApprove(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	SimulateDeposit(ctx context.Context, token common.Address, amount *big.Int, wallet common.Address) error
	DispatchDeposit(ctx context.Context, token common.Address, amount *big.Int, wallet common.Address) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
	SettlementContract() common.Address
}

// Deposits is the additive upsert sink for confirmed deposits.
type Deposits interface {
	AddDeposit(ctx context.Context, token, wallet, amount string) error
}

// DepositResult reports one deposit attempt. Confirmed is only true once
// the receipt reports success; a failed confirmation wait leaves the
// outcome unknown with TxHash set for re-query.
type DepositResult struct {
	Token     string `json:"token"`
	Wallet    string `json:"wallet"`
	Amount    string `json:"amount"`
	TxHash    string `json:"tx_hash,omitempty"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// Ledger mediates escrow reads and writes.
type Ledger struct {
	backend  Backend
	deposits Deposits
	log      *zap.SugaredLogger
}

func NewLedger(backend Backend, deposits Deposits, log *zap.SugaredLogger) *Ledger {
	return &Ledger{backend: backend, deposits: deposits, log: log}
}

// CheckBalance reads the wallet's token balance. Side-effect-free.
func (l *Ledger) CheckBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return l.backend.BalanceOf(ctx, token, owner)
}

// CheckAllowance reads the authorization granted to spender. Side-effect-free.
func (l *Ledger) CheckAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return l.backend.Allowance(ctx, token, owner, spender)
}

// ConfirmDeposit moves amount of token from wallet into escrow. The
// contract pulls the wallet's own funds via transferFrom, so both
// preconditions are checked against the wallet before any write is
// attempted, each with its own actionable failure. On confirmed
// execution the Deposit Record is upserted additively.
func (l *Ledger) ConfirmDeposit(ctx context.Context, token common.Address, amount *big.Int, wallet common.Address) (*DepositResult, error) {
	result := &DepositResult{Token: token.Hex(), Wallet: wallet.Hex(), Amount: amount.String()}

	balance, err := l.backend.BalanceOf(ctx, token, wallet)
	if err != nil {
		return nil, fmt.Errorf("balance read failed: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}

	allowance, err := l.backend.Allowance(ctx, token, wallet, l.backend.SettlementContract())
	if err != nil {
		return nil, fmt.Errorf("allowance read failed: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}

	if err := l.backend.SimulateDeposit(ctx, token, amount, wallet); err != nil {
		result.Error = fmt.Sprintf("simulation rejected: %v", err)
		return result, nil
	}

	txHash, err := l.backend.DispatchDeposit(ctx, token, amount, wallet)
	if err != nil {
		result.Error = fmt.Sprintf("dispatch failed: %v", err)
		return result, nil
	}
	result.TxHash = txHash.Hex()

	receipt, err := l.backend.WaitMined(ctx, txHash)
	if err != nil {
		result.Error = fmt.Sprintf("confirmation outcome unknown, re-query tx %s: %v", txHash.Hex(), err)
		return result, nil
	}
	if !receipt.Succeeded() {
		result.Error = "deposit reverted"
		return result, nil
	}

	result.Confirmed = true
	if l.deposits != nil {
		if err := l.deposits.AddDeposit(ctx, token.Hex(), wallet.Hex(), amount.String()); err != nil {
			l.log.Warnw("deposit_record_failed", "token", token.Hex(), "wallet", wallet.Hex(), "err", err)
		}
	}
	l.log.Infow("deposit_confirmed", "token", token.Hex(), "wallet", wallet.Hex(), "amount", amount.String(), "tx", result.TxHash)
	return result, nil
}

// ApproveToken grants the settlement contract spending authorization
// from the operator wallet. Simulate, execute, confirm.
func (l *Ledger) ApproveToken(ctx context.Context, token common.Address, amount *big.Int) (*DepositResult, error) {
	result := &DepositResult{Token: token.Hex(), Amount: amount.String()}

	if err := l.backend.SimulateApprove(ctx, token, amount); err != nil {
		result.Error = fmt.Sprintf("simulation rejected: %v", err)
		return result, nil
	}

	txHash, err := l.backend.DispatchApprove(ctx, token, amount)
	if err != nil {
		result.Error = fmt.Sprintf("dispatch failed: %v", err)
		return result, nil
	}
	result.TxHash = txHash.Hex()

	receipt, err := l.backend.WaitMined(ctx, txHash)
	if err != nil {
		result.Error = fmt.Sprintf("confirmation outcome unknown, re-query tx %s: %v", txHash.Hex(), err)
		return result, nil
	}
	if !receipt.Succeeded() {
		result.Error = "approval reverted"
		return result, nil
	}

	result.Confirmed = true
	l.log.Infow("approval_confirmed", "token", token.Hex(), "amount", amount.String(), "tx", result.TxHash)
	return result, nil
}
