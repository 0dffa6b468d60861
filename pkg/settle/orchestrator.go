// Package settle drives the settlement state machine:
//
//	received -> validated -> compliance_checked -> dispatched -> pending -> confirmed | failed
//
// The orchestrator owns no locks over shared data; all persistence is
// upsert-based on natural keys so concurrent instances converge. The
// settlement contract's executed-digest set is the single authoritative
// idempotency source; everything local is a fast path in front of it.
package settle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/pkg/chain"
	"github.com/blockestate/settlement/pkg/compliance"
	"github.com/blockestate/settlement/pkg/order"
	"github.com/blockestate/settlement/pkg/store"
	"github.com/blockestate/settlement/pkg/util"
)

// Execution is the slice of the chain client the orchestrator consumes.
type Execution interface {
	IsOrderExecuted(ctx context.Context, digest common.Hash) (bool, error)
	SimulateSettlement(ctx context.Context, req *chain.DispatchRequest) error
	SubmitSettlement(ctx context.Context, req *chain.DispatchRequest) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
	ReceiptOf(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
}

// Records is the relational persistence surface the orchestrator writes.
type Records interface {
	UpsertSettlement(ctx context.Context, rec *store.SettlementRecord) error
	FinalizeSettlement(ctx context.Context, txHash string, status store.Status, blockNumber, gasUsed uint64, errMsg string) error
	GetSettlement(ctx context.Context, txHash string) (*store.SettlementRecord, error)
	UpsertOrder(ctx context.Context, digest, signer string) error
	MarkOrdersConsumed(ctx context.Context, digests ...string) error
	ReleaseOrders(ctx context.Context, digests ...string) error
	IsOrderConsumed(ctx context.Context, digest string) (bool, error)
}

// Cache is the pebble executed-digest fast path.
type Cache interface {
	MarkExecuted(digest common.Hash) error
	IsExecuted(digest common.Hash) (bool, error)
	Release(digest common.Hash) error
}

// Request is one inbound settlement intent: a matched pair plus the
// intended transfer direction.
type Request struct {
	Pair   order.Pair `json:"pair"`
	Buyer  string     `json:"buyer"`
	Seller string     `json:"seller"`
}

// Orchestrator executes settlement attempts end to end.
type Orchestrator struct {
	verifier *order.Verifier
	exec     Execution
	gate     *compliance.Gate
	records  Records
	cache    Cache
	clock    util.Clock
	log      *zap.SugaredLogger

	// ConfirmTimeout bounds the receipt wait per attempt.
	ConfirmTimeout time.Duration

	// OnRecord, when set, observes every settlement record transition
	// (the API server uses it to broadcast status updates).
	OnRecord func(rec *store.SettlementRecord)

	// inflight guards against the same digest being dispatched twice by
	// this process while a first attempt is still in the air. It is a
	// fast path only; racing instances are arbitrated by the contract.
	inflight sync.Map
}

func NewOrchestrator(verifier *order.Verifier, exec Execution, gate *compliance.Gate, records Records, cache Cache, clock util.Clock, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		verifier:       verifier,
		exec:           exec,
		gate:           gate,
		records:        records,
		cache:          cache,
		clock:          clock,
		log:            log,
		ConfirmTimeout: 2 * time.Minute,
	}
}

func (o *Orchestrator) emit(rec *store.SettlementRecord) {
	if o.OnRecord != nil {
		o.OnRecord(rec)
	}
}

// Settle is the production entry point: full validation, signature
// verification, compliance check, idempotency gate, dispatch, confirm.
func (o *Orchestrator) Settle(ctx context.Context, req *Request) (*store.SettlementRecord, error) {
	return o.settle(ctx, req, false)
}

// SettleTrusted skips signature verification and the compliance check.
// It exists for controlled test environments only and is never reachable
// from the production order flow.
func (o *Orchestrator) SettleTrusted(ctx context.Context, req *Request) (*store.SettlementRecord, error) {
	return o.settle(ctx, req, true)
}

func (o *Orchestrator) settle(ctx context.Context, req *Request, trusted bool) (*store.SettlementRecord, error) {
	// received -> validated. Pure checks first: nothing leaves the
	// process until the pair is well-formed, unexpired, and authentic.
	if err := req.Pair.Validate(); err != nil {
		return nil, failf(KindMalformed, "%v", err)
	}
	buy, sell := req.Pair.Buy, req.Pair.Sell

	buyTyped, err := buy.ToTyped()
	if err != nil {
		return nil, failf(KindMalformed, "buy order: %v", err)
	}
	if _, err := sell.ToTyped(); err != nil {
		return nil, failf(KindMalformed, "sell order: %v", err)
	}

	buyer, err := buy.SignerAddress()
	if err != nil {
		return nil, failf(KindMalformed, "buy order: %v", err)
	}
	seller, err := sell.SignerAddress()
	if err != nil {
		return nil, failf(KindMalformed, "sell order: %v", err)
	}
	if req.Buyer != "" && common.HexToAddress(req.Buyer) != buyer {
		return nil, failf(KindMalformed, "buyer %s does not match buy order signer %s", req.Buyer, buyer.Hex())
	}
	if req.Seller != "" && common.HexToAddress(req.Seller) != seller {
		return nil, failf(KindMalformed, "seller %s does not match sell order signer %s", req.Seller, seller.Hex())
	}

	now := o.clock.Now()
	if buy.Expired(now) {
		return nil, failf(KindExpired, "buy order expired at %s", buy.Expiry)
	}
	if sell.Expired(now) {
		return nil, failf(KindExpired, "sell order expired at %s", sell.Expiry)
	}

	if !trusted {
		if !o.verifier.Verify(buy) {
			return nil, failf(KindAuth, "invalid signature on buy order")
		}
		if !o.verifier.Verify(sell) {
			return nil, failf(KindAuth, "invalid signature on sell order")
		}
	}

	buyDigest, err := o.verifier.Digest(buy)
	if err != nil {
		return nil, failf(KindMalformed, "buy order digest: %v", err)
	}
	sellDigest, err := o.verifier.Digest(sell)
	if err != nil {
		return nil, failf(KindMalformed, "sell order digest: %v", err)
	}

	// validated -> compliance_checked
	if !trusted {
		check := o.gate.CanTransfer(ctx, seller, buyer, buyTyped.PropertyAmount)
		if !check.Allowed {
			return nil, &Failure{Kind: KindComplianceDenied, Reason: check.Reason, ActiveModules: check.ActiveModules}
		}
	}

	if err := o.records.UpsertOrder(ctx, buyDigest.Hex(), buyer.Hex()); err != nil {
		o.log.Warnw("order_record_failed", "digest", buyDigest.Hex(), "err", err)
	}
	if err := o.records.UpsertOrder(ctx, sellDigest.Hex(), seller.Hex()); err != nil {
		o.log.Warnw("order_record_failed", "digest", sellDigest.Hex(), "err", err)
	}

	// One dispatch per digest per process while an attempt is in flight.
	if _, loaded := o.inflight.LoadOrStore(buyDigest, struct{}{}); loaded {
		return nil, failf(KindAlreadyExecuted, "buy order settlement already in progress")
	}
	defer o.inflight.Delete(buyDigest)
	if _, loaded := o.inflight.LoadOrStore(sellDigest, struct{}{}); loaded {
		return nil, failf(KindAlreadyExecuted, "sell order settlement already in progress")
	}
	defer o.inflight.Delete(sellDigest)

	// Idempotency gate: fast paths first, then the authoritative
	// executed-digest query as the last check before dispatch. A
	// competing process may have settled either order concurrently;
	// only the contract knows for sure.
	if err := o.checkNotExecuted(ctx, buyDigest, "buy"); err != nil {
		return nil, err
	}
	if err := o.checkNotExecuted(ctx, sellDigest, "sell"); err != nil {
		return nil, err
	}

	buySig, err := buy.SignatureBytes()
	if err != nil {
		return nil, failf(KindMalformed, "buy order: %v", err)
	}
	sellSig, err := sell.SignatureBytes()
	if err != nil {
		return nil, failf(KindMalformed, "sell order: %v", err)
	}

	dispatch := &chain.DispatchRequest{
		BuyDigest:        buyDigest,
		SellDigest:       sellDigest,
		Buyer:            buyer,
		Seller:           seller,
		PropertyToken:    buyTyped.PropertyToken,
		StablecoinToken:  buyTyped.StablecoinToken,
		PropertyAmount:   buyTyped.PropertyAmount,
		StablecoinAmount: buyTyped.StablecoinAmount,
		BuySignature:     buySig,
		SellSignature:    sellSig,
	}

	// compliance_checked -> dispatched. The dry run catches reverts
	// (including a concurrent execution that won the race) before any
	// gas is committed.
	if err := o.exec.SimulateSettlement(ctx, dispatch); err != nil {
		return nil, failf(KindExecutionFailed, "settlement rejected in simulation: %v", err)
	}

	txHash, err := o.exec.SubmitSettlement(ctx, dispatch)
	if err != nil {
		return nil, failf(KindExecutionFailed, "settlement dispatch failed: %v", err)
	}

	// dispatched -> pending
	rec := &store.SettlementRecord{
		TxHash:           txHash.Hex(),
		BuyOrderDigest:   buyDigest.Hex(),
		SellOrderDigest:  sellDigest.Hex(),
		PropertyToken:    buy.PropertyToken,
		StablecoinToken:  buy.StablecoinToken,
		PropertyAmount:   buy.PropertyAmount,
		StablecoinAmount: buy.StablecoinAmount,
		Buyer:            buyer.Hex(),
		Seller:           seller.Hex(),
		Status:           store.StatusPending,
	}
	if err := o.records.UpsertSettlement(ctx, rec); err != nil {
		o.log.Errorw("settlement_record_failed", "tx", rec.TxHash, "err", err)
	}
	o.emit(rec)
	o.log.Infow("settlement_dispatched", "tx", rec.TxHash, "buyer", rec.Buyer, "seller", rec.Seller)

	// pending -> confirmed | failed
	waitCtx, cancel := context.WithTimeout(ctx, o.ConfirmTimeout)
	defer cancel()
	receipt, err := o.exec.WaitMined(waitCtx, txHash)
	if err != nil {
		// Outcome unknown. The record stays pending; Resolve settles it
		// by receipt lookup. Never re-dispatch from here.
		o.log.Warnw("settlement_outcome_unknown", "tx", rec.TxHash, "err", err)
		return rec, &Failure{
			Kind:   KindOutcomeUnknown,
			Reason: fmt.Sprintf("confirmation wait failed, re-query tx %s: %v", rec.TxHash, err),
			TxHash: rec.TxHash,
		}
	}

	return o.finalize(ctx, rec, receipt)
}

// checkNotExecuted runs the layered idempotency gate for one digest.
func (o *Orchestrator) checkNotExecuted(ctx context.Context, digest common.Hash, side string) error {
	// Local fast paths. Errors fall through to the authoritative check.
	if hit, err := o.cache.IsExecuted(digest); err == nil && hit {
		return failf(KindAlreadyExecuted, "%s order already executed", side)
	}
	if consumed, err := o.records.IsOrderConsumed(ctx, digest.Hex()); err == nil && consumed {
		return failf(KindAlreadyExecuted, "%s order already executed", side)
	}

	executed, err := o.exec.IsOrderExecuted(ctx, digest)
	if err != nil {
		// Fail closed: if the authoritative source is unreachable we
		// cannot prove the order is unspent.
		return failf(KindOutcomeUnknown, "cannot verify %s order execution state: %v", side, err)
	}
	if executed {
		// Backfill the fast paths so the next attempt short-circuits.
		if err := o.cache.MarkExecuted(digest); err != nil {
			o.log.Warnw("executed_cache_write_failed", "digest", digest.Hex(), "err", err)
		}
		return failf(KindAlreadyExecuted, "%s order already executed", side)
	}
	return nil
}

// finalize applies an observed receipt to the record. Terminal states
// never revert; the store enforces that independently.
func (o *Orchestrator) finalize(ctx context.Context, rec *store.SettlementRecord, receipt *chain.Receipt) (*store.SettlementRecord, error) {
	buyDigest := common.HexToHash(rec.BuyOrderDigest)
	sellDigest := common.HexToHash(rec.SellOrderDigest)

	if receipt.Succeeded() {
		rec.Status = store.StatusConfirmed
		rec.BlockNumber = receipt.BlockNumber
		rec.GasUsed = receipt.GasUsed
		if err := o.records.FinalizeSettlement(ctx, rec.TxHash, store.StatusConfirmed, receipt.BlockNumber, receipt.GasUsed, ""); err != nil {
			o.log.Errorw("settlement_finalize_failed", "tx", rec.TxHash, "err", err)
		}
		if err := o.records.MarkOrdersConsumed(ctx, rec.BuyOrderDigest, rec.SellOrderDigest); err != nil {
			o.log.Warnw("order_consume_failed", "tx", rec.TxHash, "err", err)
		}
		for _, d := range []common.Hash{buyDigest, sellDigest} {
			if err := o.cache.MarkExecuted(d); err != nil {
				o.log.Warnw("executed_cache_write_failed", "digest", d.Hex(), "err", err)
			}
		}
		o.emit(rec)
		o.log.Infow("settlement_confirmed", "tx", rec.TxHash, "block", receipt.BlockNumber, "gas", receipt.GasUsed)
		return rec, nil
	}

	// A reverted receipt is authoritative confirmation that no state
	// change occurred, so the orders return to the available state.
	rec.Status = store.StatusFailed
	rec.BlockNumber = receipt.BlockNumber
	rec.GasUsed = receipt.GasUsed
	rec.ErrorMessage = "settlement transaction reverted"
	if err := o.records.FinalizeSettlement(ctx, rec.TxHash, store.StatusFailed, receipt.BlockNumber, receipt.GasUsed, rec.ErrorMessage); err != nil {
		o.log.Errorw("settlement_finalize_failed", "tx", rec.TxHash, "err", err)
	}
	o.releaseOrders(ctx, buyDigest, sellDigest)
	o.emit(rec)
	o.log.Warnw("settlement_failed", "tx", rec.TxHash, "block", receipt.BlockNumber)
	return rec, &Failure{Kind: KindExecutionFailed, Reason: "settlement transaction reverted", TxHash: rec.TxHash}
}

func (o *Orchestrator) releaseOrders(ctx context.Context, digests ...common.Hash) {
	hexes := make([]string, 0, len(digests))
	for _, d := range digests {
		hexes = append(hexes, d.Hex())
		if err := o.cache.Release(d); err != nil {
			o.log.Warnw("executed_cache_release_failed", "digest", d.Hex(), "err", err)
		}
	}
	if err := o.records.ReleaseOrders(ctx, hexes...); err != nil {
		o.log.Warnw("order_release_failed", "err", err)
	}
}

// Resolve settles a pending record whose confirmation wait was lost, by
// re-querying the authoritative execution-status source. It never
// re-dispatches. A missing receipt alone does not prove no state change
// (the transaction may still be in the mempool): the orders are only
// released once the executed-digest set confirms both are unspent.
func (o *Orchestrator) Resolve(ctx context.Context, txHash string) (*store.SettlementRecord, error) {
	rec, err := o.records.GetSettlement(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no settlement record for %s", txHash)
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	receipt, err := o.exec.ReceiptOf(ctx, common.HexToHash(txHash))
	if err != nil {
		return rec, &Failure{
			Kind:   KindOutcomeUnknown,
			Reason: fmt.Sprintf("re-query failed for tx %s: %v", txHash, err),
			TxHash: txHash,
		}
	}
	if receipt == nil {
		for _, digest := range []string{rec.BuyOrderDigest, rec.SellOrderDigest} {
			executed, err := o.exec.IsOrderExecuted(ctx, common.HexToHash(digest))
			if err != nil {
				return rec, &Failure{
					Kind:   KindOutcomeUnknown,
					Reason: fmt.Sprintf("cannot verify order execution state for tx %s: %v", txHash, err),
					TxHash: txHash,
				}
			}
			if executed {
				// The transaction (or a competing instance's) took effect
				// after all. Leave the record pending until its receipt
				// appears; the orders stay spent.
				return rec, &Failure{
					Kind:   KindOutcomeUnknown,
					Reason: fmt.Sprintf("no receipt for tx %s but order %s is executed; re-query once mined", txHash, digest),
					TxHash: txHash,
				}
			}
		}
		rec.Status = store.StatusFailed
		rec.ErrorMessage = "transaction not found on chain; orders released"
		if err := o.records.FinalizeSettlement(ctx, txHash, store.StatusFailed, 0, 0, rec.ErrorMessage); err != nil {
			o.log.Errorw("settlement_finalize_failed", "tx", txHash, "err", err)
		}
		o.releaseOrders(ctx, common.HexToHash(rec.BuyOrderDigest), common.HexToHash(rec.SellOrderDigest))
		o.emit(rec)
		return rec, nil
	}

	return o.finalize(ctx, rec, receipt)
}
