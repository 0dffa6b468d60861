package compliance

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/pkg/chain"
	"github.com/blockestate/settlement/pkg/store"
)

var (
	alice  = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob    = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	module = common.HexToAddress("0x1100000000000000000000000000000000000000")
)

// fakeBackend scripts registry behavior per test.
type fakeBackend struct {
	canTransfer    func(from, to common.Address, amount *big.Int) (bool, error)
	activeModules  []common.Address
	activeErr      error
	canBind        bool
	canBindErr     error
	simulateErr    error
	dispatchErr    error
	receipt        *chain.Receipt
	waitErr        error
	checkCalls     int
	simulateCalls  int
	dispatchCalls  int
	dispatchedOps  []chain.ModuleOp
	dispatchedHash common.Hash
}

func (b *fakeBackend) CanTransfer(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	b.checkCalls++
	if b.canTransfer != nil {
		return b.canTransfer(from, to, amount)
	}
	return true, nil
}

func (b *fakeBackend) ActiveModules(ctx context.Context) ([]common.Address, error) {
	return b.activeModules, b.activeErr
}

func (b *fakeBackend) ModuleCanBind(ctx context.Context, module common.Address) (bool, error) {
	return b.canBind, b.canBindErr
}

func (b *fakeBackend) ModuleName(ctx context.Context, module common.Address) (string, error) {
	return "CountryRestrictModule", nil
}

func (b *fakeBackend) ModuleVersion(ctx context.Context, module common.Address) (string, error) {
	return "1.0.0", nil
}

func (b *fakeBackend) SimulateModuleOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) error {
	b.simulateCalls++
	return b.simulateErr
}

func (b *fakeBackend) DispatchModuleOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) (common.Hash, error) {
	b.dispatchCalls++
	b.dispatchedOps = append(b.dispatchedOps, op)
	if b.dispatchErr != nil {
		return common.Hash{}, b.dispatchErr
	}
	b.dispatchedHash = common.HexToHash("0xfeed")
	return b.dispatchedHash, nil
}

func (b *fakeBackend) WaitMined(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	if b.waitErr != nil {
		return nil, b.waitErr
	}
	if b.receipt != nil {
		return b.receipt, nil
	}
	return &chain.Receipt{TxHash: txHash, Status: 1}, nil
}

// fakeModuleRecords captures store mirroring.
type fakeModuleRecords struct {
	upserted []store.ComplianceModuleRecord
	actives  map[string]bool
	deleted  []string
}

func (r *fakeModuleRecords) UpsertModule(ctx context.Context, rec *store.ComplianceModuleRecord) error {
	r.upserted = append(r.upserted, *rec)
	return nil
}

func (r *fakeModuleRecords) SetModuleActive(ctx context.Context, address string, active bool) error {
	if r.actives == nil {
		r.actives = make(map[string]bool)
	}
	r.actives[address] = active
	return nil
}

func (r *fakeModuleRecords) DeleteModule(ctx context.Context, address string) error {
	r.deleted = append(r.deleted, address)
	return nil
}

func newTestGate(backend *fakeBackend, records ModuleRecords) *Gate {
	return NewGate(backend, records, zap.NewNop().Sugar())
}

func TestCanTransfer_Allowed(t *testing.T) {
	g := newTestGate(&fakeBackend{}, nil)

	result := g.CanTransfer(context.Background(), alice, bob, big.NewInt(100))
	if !result.Allowed {
		t.Fatalf("transfer denied: %s", result.Reason)
	}
	if result.Reason != "" {
		t.Errorf("allowed result carries reason %q", result.Reason)
	}
}

func TestCanTransfer_DeniedCarriesModules(t *testing.T) {
	backend := &fakeBackend{
		canTransfer:   func(_, _ common.Address, _ *big.Int) (bool, error) { return false, nil },
		activeModules: []common.Address{module},
	}
	g := newTestGate(backend, nil)

	result := g.CanTransfer(context.Background(), alice, bob, big.NewInt(100))
	if result.Allowed {
		t.Fatal("denied transfer reported allowed")
	}
	if result.Reason == "" {
		t.Error("denial carries no reason")
	}
	if len(result.ActiveModules) != 1 || result.ActiveModules[0] != module.Hex() {
		t.Errorf("active modules = %v, want [%s]", result.ActiveModules, module.Hex())
	}
}

// An unreachable registry is a denial, never a pass.
func TestCanTransfer_BackendErrorFailsClosed(t *testing.T) {
	backend := &fakeBackend{
		canTransfer: func(_, _ common.Address, _ *big.Int) (bool, error) {
			return false, errors.New("rpc connection refused")
		},
	}
	g := newTestGate(backend, nil)

	result := g.CanTransfer(context.Background(), alice, bob, big.NewInt(100))
	if result.Allowed {
		t.Fatal("backend failure treated as permission")
	}
	if !strings.Contains(result.Reason, "unavailable") {
		t.Errorf("reason %q does not name the unavailability", result.Reason)
	}
}

func TestBatchCanTransfer_LengthMismatch(t *testing.T) {
	backend := &fakeBackend{}
	g := newTestGate(backend, nil)

	_, err := g.BatchCanTransfer(context.Background(), alice,
		[]common.Address{bob, alice},
		[]*big.Int{big.NewInt(1)})
	if err == nil {
		t.Fatal("length mismatch accepted")
	}
	if backend.checkCalls != 0 {
		t.Errorf("mismatch still made %d backend calls", backend.checkCalls)
	}
}

func TestBatchCanTransfer(t *testing.T) {
	denyBob := &fakeBackend{
		canTransfer: func(_, to common.Address, _ *big.Int) (bool, error) {
			return to != bob, nil
		},
	}
	g := newTestGate(denyBob, nil)

	results, err := g.BatchCanTransfer(context.Background(), alice,
		[]common.Address{alice, bob},
		[]*big.Int{big.NewInt(1), big.NewInt(2)})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !results[0].Allowed || results[1].Allowed {
		t.Errorf("results = %+v, want [allowed, denied]", results)
	}
}

func TestBatchCanTransfer_CancelledContextDeniesRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := &fakeBackend{}
	g := newTestGate(backend, nil)

	results, err := g.BatchCanTransfer(ctx, alice,
		[]common.Address{alice, bob},
		[]*big.Int{big.NewInt(1), big.NewInt(2)})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for i, r := range results {
		if r.Allowed {
			t.Errorf("entry %d allowed after cancellation", i)
		}
	}
	if backend.checkCalls != 0 {
		t.Errorf("cancelled batch still made %d backend calls", backend.checkCalls)
	}
}

func TestAddModule_RejectsIncompatible(t *testing.T) {
	backend := &fakeBackend{canBind: false}
	g := newTestGate(backend, nil)

	result, err := g.AddModule(context.Background(), module)
	if err != nil {
		t.Fatalf("add module: %v", err)
	}
	if result.Confirmed {
		t.Error("incompatible module confirmed")
	}
	if backend.dispatchCalls != 0 {
		t.Errorf("incompatible module still dispatched %d times", backend.dispatchCalls)
	}
}

func TestAddModule_ConfirmedMirrorsRecord(t *testing.T) {
	backend := &fakeBackend{canBind: true}
	records := &fakeModuleRecords{}
	g := newTestGate(backend, records)

	result, err := g.AddModule(context.Background(), module)
	if err != nil {
		t.Fatalf("add module: %v", err)
	}
	if !result.Confirmed {
		t.Fatalf("add not confirmed: %s", result.Error)
	}
	if len(records.upserted) != 1 {
		t.Fatalf("mirrored %d records, want 1", len(records.upserted))
	}
	rec := records.upserted[0]
	if rec.Address != module.Hex() || rec.Active || rec.Name != "CountryRestrictModule" {
		t.Errorf("mirrored record = %+v", rec)
	}
}

func TestModuleOp_SimulationFailureStopsDispatch(t *testing.T) {
	backend := &fakeBackend{simulateErr: errors.New("module not registered")}
	g := newTestGate(backend, nil)

	result, err := g.ActivateModule(context.Background(), module)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if result.Confirmed {
		t.Error("failed simulation confirmed")
	}
	if backend.dispatchCalls != 0 {
		t.Errorf("dispatched despite failed simulation, %d calls", backend.dispatchCalls)
	}
}

func TestModuleOp_RevertedReceipt(t *testing.T) {
	backend := &fakeBackend{receipt: &chain.Receipt{Status: 0}}
	records := &fakeModuleRecords{}
	g := newTestGate(backend, records)

	result, err := g.DeactivateModule(context.Background(), module)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if result.Confirmed {
		t.Error("reverted op confirmed")
	}
	if len(records.actives) != 0 {
		t.Error("reverted op mirrored into records")
	}
}

// A lost confirmation leaves the outcome unknown: not confirmed, tx hash
// surfaced for re-query.
func TestModuleOp_ConfirmationLost(t *testing.T) {
	backend := &fakeBackend{waitErr: context.DeadlineExceeded}
	g := newTestGate(backend, nil)

	result, err := g.RemoveModule(context.Background(), module)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if result.Confirmed {
		t.Error("unconfirmed op reported confirmed")
	}
	if result.TxHash == "" {
		t.Error("unknown outcome carries no tx hash for re-query")
	}
	if !strings.Contains(result.Error, "re-query") {
		t.Errorf("error %q does not direct to re-query", result.Error)
	}
}

func TestModuleLifecycleMirroring(t *testing.T) {
	backend := &fakeBackend{canBind: true}
	records := &fakeModuleRecords{}
	g := newTestGate(backend, records)
	ctx := context.Background()

	if _, err := g.ActivateModule(ctx, module); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !records.actives[module.Hex()] {
		t.Error("activation not mirrored")
	}

	if _, err := g.DeactivateModule(ctx, module); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if records.actives[module.Hex()] {
		t.Error("deactivation not mirrored")
	}

	if _, err := g.RemoveModule(ctx, module); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(records.deleted) != 1 || records.deleted[0] != module.Hex() {
		t.Errorf("deleted = %v", records.deleted)
	}

	want := []chain.ModuleOp{chain.OpActivateModule, chain.OpDeactivateModule, chain.OpRemoveModule}
	if len(backend.dispatchedOps) != len(want) {
		t.Fatalf("dispatched ops = %v", backend.dispatchedOps)
	}
	for i, op := range want {
		if backend.dispatchedOps[i] != op {
			t.Errorf("op %d = %s, want %s", i, backend.dispatchedOps[i], op)
		}
	}
}
