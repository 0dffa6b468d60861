package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/pkg/chain"
	"github.com/blockestate/settlement/pkg/codec"
	"github.com/blockestate/settlement/pkg/compliance"
	enginecrypto "github.com/blockestate/settlement/pkg/crypto"
	"github.com/blockestate/settlement/pkg/order"
	"github.com/blockestate/settlement/pkg/store"
	"github.com/blockestate/settlement/pkg/util"
)

// ==============================
// Fakes
// ==============================

type fakeExec struct {
	mu          sync.Mutex
	executed    map[common.Hash]bool
	executedErr error
	simulateErr error
	submitErr   error
	receipt     *chain.Receipt
	waitErr     error
	receiptOf   *chain.Receipt
	receiptErr  error

	submitCalls int

	// waitGate, when set, blocks WaitMined until released. Lets tests
	// hold a settlement in flight deterministically.
	waitStarted chan struct{}
	waitGate    chan struct{}
}

func (e *fakeExec) IsOrderExecuted(ctx context.Context, digest common.Hash) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executedErr != nil {
		return false, e.executedErr
	}
	return e.executed[digest], nil
}

func (e *fakeExec) SimulateSettlement(ctx context.Context, req *chain.DispatchRequest) error {
	return e.simulateErr
}

func (e *fakeExec) SubmitSettlement(ctx context.Context, req *chain.DispatchRequest) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return common.Hash{}, e.submitErr
	}
	e.submitCalls++
	return common.HexToHash(fmt.Sprintf("0x%064x", e.submitCalls)), nil
}

func (e *fakeExec) WaitMined(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	if e.waitStarted != nil {
		e.waitStarted <- struct{}{}
	}
	if e.waitGate != nil {
		<-e.waitGate
	}
	if e.waitErr != nil {
		return nil, e.waitErr
	}
	if e.receipt != nil {
		return e.receipt, nil
	}
	return &chain.Receipt{TxHash: txHash, Status: 1, BlockNumber: 10, GasUsed: 90000}, nil
}

func (e *fakeExec) ReceiptOf(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	return e.receiptOf, e.receiptErr
}

func (e *fakeExec) submits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitCalls
}

// fakeRecords is an in-memory Records implementation.
type fakeRecords struct {
	mu          sync.Mutex
	settlements map[string]*store.SettlementRecord
	consumed    map[string]bool
	seen        map[string]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		settlements: make(map[string]*store.SettlementRecord),
		consumed:    make(map[string]bool),
		seen:        make(map[string]string),
	}
}

func (r *fakeRecords) UpsertSettlement(ctx context.Context, rec *store.SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.settlements[rec.TxHash]; ok && existing.Status.Terminal() {
		return nil
	}
	cp := *rec
	r.settlements[rec.TxHash] = &cp
	return nil
}

func (r *fakeRecords) FinalizeSettlement(ctx context.Context, txHash string, status store.Status, blockNumber, gasUsed uint64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.settlements[txHash]
	if !ok || rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	rec.BlockNumber = blockNumber
	rec.GasUsed = gasUsed
	rec.ErrorMessage = errMsg
	return nil
}

func (r *fakeRecords) GetSettlement(ctx context.Context, txHash string) (*store.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.settlements[txHash]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRecords) UpsertOrder(ctx context.Context, digest, signer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[digest] = signer
	return nil
}

func (r *fakeRecords) MarkOrdersConsumed(ctx context.Context, digests ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range digests {
		r.consumed[d] = true
	}
	return nil
}

func (r *fakeRecords) ReleaseOrders(ctx context.Context, digests ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range digests {
		r.consumed[d] = false
	}
	return nil
}

func (r *fakeRecords) IsOrderConsumed(ctx context.Context, digest string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed[digest], nil
}

func (r *fakeRecords) status(txHash string) store.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.settlements[txHash]; ok {
		return rec.Status
	}
	return ""
}

// fakeCache is an in-memory executed-digest cache.
type fakeCache struct {
	mu     sync.Mutex
	marked map[common.Hash]bool
}

func newFakeCache() *fakeCache { return &fakeCache{marked: make(map[common.Hash]bool)} }

func (c *fakeCache) MarkExecuted(digest common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked[digest] = true
	return nil
}

func (c *fakeCache) IsExecuted(digest common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marked[digest], nil
}

func (c *fakeCache) Release(digest common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.marked, digest)
	return nil
}

// fakeRegistry backs the compliance gate; allows by default.
type fakeRegistry struct {
	deny     bool
	checkErr error
	modules  []common.Address
}

func (r *fakeRegistry) CanTransfer(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	if r.checkErr != nil {
		return false, r.checkErr
	}
	return !r.deny, nil
}

func (r *fakeRegistry) ActiveModules(ctx context.Context) ([]common.Address, error) {
	return r.modules, nil
}

func (r *fakeRegistry) ModuleCanBind(ctx context.Context, module common.Address) (bool, error) {
	return true, nil
}

func (r *fakeRegistry) ModuleName(ctx context.Context, module common.Address) (string, error) {
	return "", nil
}

func (r *fakeRegistry) ModuleVersion(ctx context.Context, module common.Address) (string, error) {
	return "", nil
}

func (r *fakeRegistry) SimulateModuleOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) error {
	return nil
}

func (r *fakeRegistry) DispatchModuleOp(ctx context.Context, op chain.ModuleOp, module, token common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}

func (r *fakeRegistry) WaitMined(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, Status: 1}, nil
}

// ==============================
// Harness
// ==============================

const testNow = 1700000000

type harness struct {
	orch     *Orchestrator
	verifier *order.Verifier
	codec    *codec.Codec
	exec     *fakeExec
	records  *fakeRecords
	cache    *fakeCache
	registry *fakeRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	domain := codec.DefaultDomain(big.NewInt(1337), common.HexToAddress("0x0000000000000000000000000000000000000001"))
	c := codec.New(domain)
	verifier := order.NewVerifier(c)

	exec := &fakeExec{executed: make(map[common.Hash]bool)}
	records := newFakeRecords()
	cache := newFakeCache()
	registry := &fakeRegistry{}
	gate := compliance.NewGate(registry, nil, zap.NewNop().Sugar())

	clock := util.FixedClock{T: time.Unix(testNow, 0)}
	orch := NewOrchestrator(verifier, exec, gate, records, cache, clock, zap.NewNop().Sugar())

	return &harness{
		orch: orch, verifier: verifier, codec: c,
		exec: exec, records: records, cache: cache, registry: registry,
	}
}

func (h *harness) signedOrder(t *testing.T, signer *enginecrypto.Signer, nonce int64) *order.Payload {
	t.Helper()
	p := &order.Payload{
		PropertyToken:    "0x00000000000000000000000000000000000000aa",
		StablecoinToken:  "0x00000000000000000000000000000000000000bb",
		PropertyAmount:   "1000",
		StablecoinAmount: "500000",
		Expiry:           fmt.Sprintf("%d", testNow+3600),
		Nonce:            fmt.Sprintf("%d", nonce),
		Signer:           signer.Address().Hex(),
	}
	typed, err := p.ToTyped()
	if err != nil {
		t.Fatalf("to typed: %v", err)
	}
	sig, err := h.codec.SignOrder(signer, typed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.Signature = fmt.Sprintf("0x%x", sig)
	return p
}

func (h *harness) request(t *testing.T) *Request {
	t.Helper()
	buyer, _ := enginecrypto.GenerateKey()
	seller, _ := enginecrypto.GenerateKey()
	return &Request{Pair: order.Pair{
		Buy:  h.signedOrder(t, buyer, 1),
		Sell: h.signedOrder(t, seller, 2),
	}}
}

func wantKind(t *testing.T, err error, kind FailureKind) *Failure {
	t.Helper()
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want Failure of kind %s", err, kind)
	}
	if failure.Kind != kind {
		t.Fatalf("failure kind = %s (%s), want %s", failure.Kind, failure.Reason, kind)
	}
	return failure
}

// ==============================
// Tests
// ==============================

func TestSettle_Confirmed(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)

	var emitted []store.Status
	h.orch.OnRecord = func(rec *store.SettlementRecord) { emitted = append(emitted, rec.Status) }

	rec, err := h.orch.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.Status != store.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", rec.Status)
	}
	if rec.BlockNumber != 10 || rec.GasUsed != 90000 {
		t.Errorf("receipt metadata not applied: %+v", rec)
	}
	if h.exec.submits() != 1 {
		t.Errorf("submitted %d times, want 1", h.exec.submits())
	}

	// Both digests consumed and cached.
	for _, d := range []string{rec.BuyOrderDigest, rec.SellOrderDigest} {
		consumed, _ := h.records.IsOrderConsumed(context.Background(), d)
		if !consumed {
			t.Errorf("digest %s not consumed", d)
		}
		hit, _ := h.cache.IsExecuted(common.HexToHash(d))
		if !hit {
			t.Errorf("digest %s not cached", d)
		}
	}

	// pending then confirmed, in that order.
	if len(emitted) != 2 || emitted[0] != store.StatusPending || emitted[1] != store.StatusConfirmed {
		t.Errorf("emitted transitions = %v", emitted)
	}
}

func TestSettle_PairMismatch(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)
	req.Pair.Sell.PropertyAmount = "999"

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindMalformed)
	if h.exec.submits() != 0 {
		t.Error("mismatched pair reached dispatch")
	}
}

func TestSettle_MalformedAddress(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)
	req.Pair.Buy.PropertyToken = "0xnot-an-address"
	req.Pair.Sell.PropertyToken = "0xnot-an-address"

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindMalformed)
}

func TestSettle_Expired(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)
	req.Pair.Buy.Expiry = fmt.Sprintf("%d", testNow-1)
	req.Pair.Sell.Expiry = fmt.Sprintf("%d", testNow-1)

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindExpired)
	if h.exec.submits() != 0 {
		t.Error("expired order reached dispatch")
	}
}

func TestSettle_BadSignature(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)
	// Amount changed after signing: the signature no longer covers the
	// order, but the pair still matches.
	req.Pair.Buy.StablecoinAmount = "500001"
	req.Pair.Sell.StablecoinAmount = "500001"

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindAuth)
	if h.exec.submits() != 0 {
		t.Error("unauthenticated order reached dispatch")
	}
}

func TestSettle_DeclaredPartyMismatch(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)
	req.Buyer = "0xCC00000000000000000000000000000000000000"

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindMalformed)
}

func TestSettle_ComplianceDenied(t *testing.T) {
	h := newHarness(t)
	h.registry.deny = true
	h.registry.modules = []common.Address{common.HexToAddress("0x11")}

	_, err := h.orch.Settle(context.Background(), h.request(t))
	failure := wantKind(t, err, KindComplianceDenied)
	if len(failure.ActiveModules) != 1 {
		t.Errorf("denial carries modules %v, want 1", failure.ActiveModules)
	}
	if h.exec.submits() != 0 {
		t.Error("denied settlement reached dispatch")
	}
}

// An unreachable registry denies; it never waves a settlement through.
func TestSettle_ComplianceUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.registry.checkErr = errors.New("registry unreachable")

	_, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindComplianceDenied)
	if h.exec.submits() != 0 {
		t.Error("unverifiable compliance reached dispatch")
	}
}

func TestSettle_AlreadyExecutedOnChain(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)

	buyDigest, err := h.verifier.Digest(req.Pair.Buy)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	h.exec.executed[buyDigest] = true

	_, err = h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindAlreadyExecuted)
	if h.exec.submits() != 0 {
		t.Error("spent order re-dispatched")
	}

	// The authoritative hit backfills the local fast path.
	hit, _ := h.cache.IsExecuted(buyDigest)
	if !hit {
		t.Error("authoritative hit not backfilled into cache")
	}
}

func TestSettle_CacheFastPath(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)

	sellDigest, _ := h.verifier.Digest(req.Pair.Sell)
	h.cache.MarkExecuted(sellDigest)

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindAlreadyExecuted)
	if h.exec.submits() != 0 {
		t.Error("cached digest re-dispatched")
	}
}

// If the authoritative executed-digest source cannot be reached, the
// engine cannot prove the order unspent and must not dispatch.
func TestSettle_AuthoritativeCheckUnavailable(t *testing.T) {
	h := newHarness(t)
	h.exec.executedErr = errors.New("rpc timeout")

	_, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindOutcomeUnknown)
	if h.exec.submits() != 0 {
		t.Error("dispatched without idempotency proof")
	}
}

func TestSettle_SimulationRejected(t *testing.T) {
	h := newHarness(t)
	h.exec.simulateErr = errors.New("execution reverted: compliance")

	_, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindExecutionFailed)
	if h.exec.submits() != 0 {
		t.Error("failed simulation still dispatched")
	}
}

func TestSettle_Reverted(t *testing.T) {
	h := newHarness(t)
	h.exec.receipt = &chain.Receipt{Status: 0, BlockNumber: 11}

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	failure := wantKind(t, err, KindExecutionFailed)
	if failure.TxHash == "" {
		t.Error("execution failure carries no tx hash")
	}
	if rec.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}

	// A revert is authoritative: no state changed, the orders are free.
	for _, d := range []string{rec.BuyOrderDigest, rec.SellOrderDigest} {
		consumed, _ := h.records.IsOrderConsumed(context.Background(), d)
		if consumed {
			t.Errorf("digest %s still consumed after revert", d)
		}
	}
}

func TestSettle_ConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	h.exec.waitErr = context.DeadlineExceeded

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	failure := wantKind(t, err, KindOutcomeUnknown)
	if failure.TxHash == "" {
		t.Error("unknown outcome carries no tx hash for re-query")
	}
	if rec == nil || rec.Status != store.StatusPending {
		t.Fatalf("record = %+v, want pending", rec)
	}
	// The record must stay pending in the store too; Resolve owns it now.
	if got := h.records.status(rec.TxHash); got != store.StatusPending {
		t.Errorf("stored status = %s, want pending", got)
	}
}

func TestResolve(t *testing.T) {
	h := newHarness(t)
	h.exec.waitErr = context.DeadlineExceeded

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindOutcomeUnknown)

	t.Run("receipt found success", func(t *testing.T) {
		h.exec.receiptOf = &chain.Receipt{Status: 1, BlockNumber: 20, GasUsed: 80000}
		resolved, err := h.orch.Resolve(context.Background(), rec.TxHash)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Status != store.StatusConfirmed {
			t.Errorf("status = %s, want confirmed", resolved.Status)
		}
		consumed, _ := h.records.IsOrderConsumed(context.Background(), rec.BuyOrderDigest)
		if !consumed {
			t.Error("resolved settlement did not consume orders")
		}
	})

	t.Run("terminal record returned as is", func(t *testing.T) {
		h.exec.receiptErr = errors.New("should not be called")
		resolved, err := h.orch.Resolve(context.Background(), rec.TxHash)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Status != store.StatusConfirmed {
			t.Errorf("terminal record re-resolved to %s", resolved.Status)
		}
	})
}

func TestResolve_NoReceiptReleasesOrders(t *testing.T) {
	h := newHarness(t)
	h.exec.waitErr = context.DeadlineExceeded

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindOutcomeUnknown)

	// No receipt and both digests unspent: the transaction never made it
	// on chain.
	h.exec.waitErr = nil
	h.exec.receiptOf = nil
	resolved, err := h.orch.Resolve(context.Background(), rec.TxHash)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", resolved.Status)
	}
	consumed, _ := h.records.IsOrderConsumed(context.Background(), rec.BuyOrderDigest)
	if consumed {
		t.Error("vanished settlement left orders consumed")
	}
}

// A missing receipt is not proof of no state change: the transaction may
// still be in the mempool. If the executed-digest set reports either
// order spent, the record stays pending instead of failing.
func TestResolve_NoReceiptButDigestExecuted(t *testing.T) {
	h := newHarness(t)
	h.exec.waitErr = context.DeadlineExceeded

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindOutcomeUnknown)

	h.exec.waitErr = nil
	h.exec.receiptOf = nil
	h.exec.executed[common.HexToHash(rec.BuyOrderDigest)] = true

	_, err = h.orch.Resolve(context.Background(), rec.TxHash)
	wantKind(t, err, KindOutcomeUnknown)
	if got := h.records.status(rec.TxHash); got != store.StatusPending {
		t.Errorf("stored status = %s, want pending", got)
	}
}

// If the executed-digest set cannot be queried, no state change cannot
// be declared either way; the record stays pending.
func TestResolve_NoReceiptDigestCheckUnavailable(t *testing.T) {
	h := newHarness(t)
	h.exec.waitErr = context.DeadlineExceeded

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindOutcomeUnknown)

	h.exec.waitErr = nil
	h.exec.receiptOf = nil
	h.exec.executedErr = errors.New("rpc timeout")

	_, err = h.orch.Resolve(context.Background(), rec.TxHash)
	wantKind(t, err, KindOutcomeUnknown)
	if got := h.records.status(rec.TxHash); got != store.StatusPending {
		t.Errorf("stored status = %s, want pending", got)
	}
}

func TestResolve_QueryFailureStaysPending(t *testing.T) {
	h := newHarness(t)
	h.exec.waitErr = context.DeadlineExceeded

	rec, err := h.orch.Settle(context.Background(), h.request(t))
	wantKind(t, err, KindOutcomeUnknown)

	h.exec.receiptErr = errors.New("rpc down")
	_, err = h.orch.Resolve(context.Background(), rec.TxHash)
	wantKind(t, err, KindOutcomeUnknown)
	if got := h.records.status(rec.TxHash); got != store.StatusPending {
		t.Errorf("stored status = %s, want pending", got)
	}
}

func TestResolve_UnknownTx(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Resolve(context.Background(), "0xmissing"); err == nil {
		t.Error("resolve of unknown tx succeeded")
	}
}

func TestSettle_ReplayAfterConfirm(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)

	if _, err := h.orch.Settle(context.Background(), req); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindAlreadyExecuted)
	if h.exec.submits() != 1 {
		t.Errorf("replay dispatched again, %d submits", h.exec.submits())
	}
}

// Two concurrent submissions of the same pair: exactly one dispatch, the
// loser is rejected as already executing.
func TestSettle_ConcurrentDuplicate(t *testing.T) {
	h := newHarness(t)
	req := h.request(t)

	h.exec.waitStarted = make(chan struct{}, 1)
	h.exec.waitGate = make(chan struct{})

	type outcome struct {
		rec *store.SettlementRecord
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		rec, err := h.orch.Settle(context.Background(), req)
		first <- outcome{rec, err}
	}()

	// Hold the first attempt at the confirmation wait, then race it.
	<-h.exec.waitStarted
	_, err := h.orch.Settle(context.Background(), req)
	wantKind(t, err, KindAlreadyExecuted)

	close(h.exec.waitGate)
	result := <-first
	if result.err != nil {
		t.Fatalf("first settle: %v", result.err)
	}
	if result.rec.Status != store.StatusConfirmed {
		t.Errorf("first settle status = %s", result.rec.Status)
	}
	if h.exec.submits() != 1 {
		t.Errorf("submitted %d times, want 1", h.exec.submits())
	}
}

// SettleTrusted skips signature and compliance checks but keeps the
// idempotency gate.
func TestSettleTrusted(t *testing.T) {
	h := newHarness(t)
	h.registry.deny = true
	req := h.request(t)
	// Break the signatures; trusted mode must not care.
	req.Pair.Buy.Signature = "0x" + fmt.Sprintf("%0130x", 0)
	req.Pair.Sell.Signature = "0x" + fmt.Sprintf("%0130x", 0)

	rec, err := h.orch.SettleTrusted(context.Background(), req)
	if err != nil {
		t.Fatalf("trusted settle: %v", err)
	}
	if rec.Status != store.StatusConfirmed {
		t.Errorf("status = %s", rec.Status)
	}

	_, err = h.orch.SettleTrusted(context.Background(), req)
	wantKind(t, err, KindAlreadyExecuted)
}
