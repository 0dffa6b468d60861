// Package compliance fronts the on-chain modular compliance registry.
// Every answer is fail-closed: an inability to determine compliance is
// never treated as permission.
package compliance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/pkg/chain"
	"github.com/blockestate/settlement/pkg/store"
)

// Backend is the slice of the execution collaborator the gate consumes.
type Backend interface {
	CanTransfer(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
	ActiveModules(ctx context.Context) ([]common.Address, error)
	ModuleCanBind(ctx context.Context, module common.Address) (bool, error)
	ModuleName(ctx context.Context, module common.Address) (string, error)
	ModuleVersion(ctx context.Context, module common.Address) (string, error)
	SimulateModuleOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) error
	DispatchModuleOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
}

// ModuleRecords mirrors registry state into the relational store.
// The gate is the sole writer.
type ModuleRecords interface {
	UpsertModule(ctx context.Context, rec *store.ComplianceModuleRecord) error
	SetModuleActive(ctx context.Context, address string, active bool) error
	DeleteModule(ctx context.Context, address string) error
}

// CheckResult is the structured outcome of one transfer check.
// ActiveModules is populated on denial for audit purposes; the engine
// does not attribute the denial to a particular module.
type CheckResult struct {
	Allowed       bool     `json:"allowed"`
	Reason        string   `json:"reason,omitempty"`
	ActiveModules []string `json:"active_modules,omitempty"`
}

// ModuleOpResult reports a lifecycle operation. Confirmed is only true
// when the authoritative receipt reports success; a dispatch whose
// confirmation wait failed leaves Confirmed false with the TxHash set,
// and must be resolved by re-query, not by retrying the operation.
type ModuleOpResult struct {
	Op        chain.ModuleOp `json:"op"`
	Module    string         `json:"module"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Confirmed bool           `json:"confirmed"`
	Error     string         `json:"error,omitempty"`
}

// Gate coordinates compliance checks and module lifecycle management.
type Gate struct {
	backend Backend
	records ModuleRecords
	log     *zap.SugaredLogger
}

func NewGate(backend Backend, records ModuleRecords, log *zap.SugaredLogger) *Gate {
	return &Gate{backend: backend, records: records, log: log}
}

// CanTransfer asks the registry whether the proposed transfer is
// permitted. Backend failure denies with the failure as reason.
func (g *Gate) CanTransfer(ctx context.Context, from, to common.Address, amount *big.Int) CheckResult {
	allowed, err := g.backend.CanTransfer(ctx, from, to, amount)
	if err != nil {
		g.log.Warnw("compliance_check_failed", "from", from.Hex(), "to", to.Hex(), "err", err)
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("compliance check unavailable: %v", err)}
	}
	if allowed {
		return CheckResult{Allowed: true}
	}

	result := CheckResult{Allowed: false, Reason: "transfer not permitted by active compliance modules"}
	// Denials carry the active module set for the audit trail. A failure
	// to list modules does not change the outcome.
	if modules, err := g.backend.ActiveModules(ctx); err == nil {
		for _, m := range modules {
			result.ActiveModules = append(result.ActiveModules, m.Hex())
		}
	} else {
		g.log.Warnw("active_modules_query_failed", "err", err)
	}
	return result
}

// BatchCanTransfer checks several proposed transfers from one sender.
// A length mismatch is rejected before any external call. Backend
// failure marks every entry denied (fail-closed).
func (g *Gate) BatchCanTransfer(ctx context.Context, from common.Address, to []common.Address, amounts []*big.Int) ([]CheckResult, error) {
	if len(to) != len(amounts) {
		return nil, fmt.Errorf("batch length mismatch: %d recipients, %d amounts", len(to), len(amounts))
	}

	results := make([]CheckResult, len(to))
	for i := range to {
		select {
		case <-ctx.Done():
			// Deny the remainder rather than returning partial results.
			for j := i; j < len(to); j++ {
				results[j] = CheckResult{Allowed: false, Reason: fmt.Sprintf("compliance check aborted: %v", ctx.Err())}
			}
			return results, nil
		default:
		}
		results[i] = g.CanTransfer(ctx, from, to[i], amounts[i])
	}
	return results, nil
}

// ValidateModule confirms a candidate module reports itself compatible
// with this registry before it may be added.
func (g *Gate) ValidateModule(ctx context.Context, module common.Address) (bool, string) {
	ok, err := g.backend.ModuleCanBind(ctx, module)
	if err != nil {
		return false, fmt.Sprintf("module unresponsive: %v", err)
	}
	if !ok {
		return false, "module reports itself incompatible with this registry"
	}
	return true, ""
}

// ==============================
// Lifecycle: simulate, execute, confirm
// ==============================

// SimulateOp is the pure precondition phase of a lifecycle operation.
func (g *Gate) SimulateOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) error {
	return g.backend.SimulateModuleOp(ctx, op, module, token)
}

// ExecuteOp dispatches a lifecycle operation whose simulation passed.
func (g *Gate) ExecuteOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) (common.Hash, error) {
	return g.backend.DispatchModuleOp(ctx, op, module, token)
}

// ConfirmOp waits for the receipt. Simulate success does not imply the
// operation succeeded; only the receipt does.
func (g *Gate) ConfirmOp(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	return g.backend.WaitMined(ctx, txHash)
}

// runOp chains the three phases and mirrors the result into the store.
func (g *Gate) runOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) (*ModuleOpResult, error) {
	result := &ModuleOpResult{Op: op, Module: module.Hex()}

	if err := g.SimulateOp(ctx, op, module, token); err != nil {
		result.Error = fmt.Sprintf("simulation rejected: %v", err)
		return result, nil
	}

	txHash, err := g.ExecuteOp(ctx, op, module, token)
	if err != nil {
		result.Error = fmt.Sprintf("dispatch failed: %v", err)
		return result, nil
	}
	result.TxHash = txHash.Hex()

	receipt, err := g.ConfirmOp(ctx, txHash)
	if err != nil {
		// Outcome unknown: the tx may still land. Leave Confirmed false
		// and surface the hash for re-query.
		result.Error = fmt.Sprintf("confirmation outcome unknown, re-query tx %s: %v", txHash.Hex(), err)
		return result, nil
	}
	if !receipt.Succeeded() {
		result.Error = "execution reverted"
		return result, nil
	}

	result.Confirmed = true
	if err := g.mirror(ctx, op, module); err != nil {
		g.log.Warnw("module_record_mirror_failed", "op", op, "module", module.Hex(), "err", err)
	}
	g.log.Infow("module_op_confirmed", "op", op, "module", module.Hex(), "tx", result.TxHash)
	return result, nil
}

func (g *Gate) mirror(ctx context.Context, op chain.ModuleOp, module common.Address) error {
	if g.records == nil {
		return nil
	}
	switch op {
	case chain.OpAddModule:
		rec := &store.ComplianceModuleRecord{Address: module.Hex(), Active: false}
		if name, err := g.backend.ModuleName(ctx, module); err == nil {
			rec.Name = name
		}
		if version, err := g.backend.ModuleVersion(ctx, module); err == nil {
			rec.Version = version
		}
		return g.records.UpsertModule(ctx, rec)
	case chain.OpRemoveModule:
		return g.records.DeleteModule(ctx, module.Hex())
	case chain.OpActivateModule:
		return g.records.SetModuleActive(ctx, module.Hex(), true)
	case chain.OpDeactivateModule:
		return g.records.SetModuleActive(ctx, module.Hex(), false)
	}
	return nil
}

// AddModule validates and registers a new compliance module.
// Modules start inactive and must be explicitly activated.
func (g *Gate) AddModule(ctx context.Context, module common.Address) (*ModuleOpResult, error) {
	if ok, reason := g.ValidateModule(ctx, module); !ok {
		return &ModuleOpResult{Op: chain.OpAddModule, Module: module.Hex(), Error: reason}, nil
	}
	return g.runOp(ctx, chain.OpAddModule, module, common.Address{})
}

func (g *Gate) RemoveModule(ctx context.Context, module common.Address) (*ModuleOpResult, error) {
	return g.runOp(ctx, chain.OpRemoveModule, module, common.Address{})
}

func (g *Gate) ActivateModule(ctx context.Context, module common.Address) (*ModuleOpResult, error) {
	return g.runOp(ctx, chain.OpActivateModule, module, common.Address{})
}

func (g *Gate) DeactivateModule(ctx context.Context, module common.Address) (*ModuleOpResult, error) {
	return g.runOp(ctx, chain.OpDeactivateModule, module, common.Address{})
}

func (g *Gate) BindTokenToModule(ctx context.Context, token, module common.Address) (*ModuleOpResult, error) {
	return g.runOp(ctx, chain.OpBindTokenToModule, module, token)
}
