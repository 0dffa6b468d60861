package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/params"
	enginecrypto "github.com/blockestate/settlement/pkg/crypto"
)

const defaultGasLimit = uint64(1_500_000) // fallback when estimation fails

// Client talks to the execution layer over JSON-RPC. One client carries
// explicit configuration (no process-wide connection state); every
// blocking call takes a context.
type Client struct {
	eth          *ethclient.Client
	chainID      *big.Int
	settlement   common.Address
	registry     common.Address
	operator     *enginecrypto.Signer
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

func Dial(cfg params.Config, log *zap.SugaredLogger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Chain.RPCEndpoint, err)
	}

	operator, err := enginecrypto.FromPrivateKeyHex(cfg.Chain.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator key: %w", err)
	}

	return &Client{
		eth:          eth,
		chainID:      cfg.Chain.ChainID,
		settlement:   common.HexToAddress(cfg.Chain.SettlementContract),
		registry:     common.HexToAddress(cfg.Chain.ComplianceRegistry),
		operator:     operator,
		pollInterval: cfg.Engine.PollInterval,
		log:          log,
	}, nil
}

func (c *Client) Close() { c.eth.Close() }

// SettlementContract returns the address spending authorization targets.
func (c *Client) SettlementContract() common.Address { return c.settlement }

// Operator returns the dispatching wallet address.
func (c *Client) Operator() common.Address { return c.operator.Address() }

// ==============================
// Reads
// ==============================

func (c *Client) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, out interface{}, args ...interface{}) error {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}

	results, err := parsed.Unpack(method, raw)
	if err != nil {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(results) != 1 {
		return fmt.Errorf("%s returned %d values, want 1", method, len(results))
	}
	return assign(out, results[0])
}

// assign copies the unpacked value into out, covering the small set of
// result shapes the engine reads.
func assign(out interface{}, v interface{}) error {
	switch dst := out.(type) {
	case **big.Int:
		val, ok := v.(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected result type %T, want *big.Int", v)
		}
		*dst = val
	case *bool:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("unexpected result type %T, want bool", v)
		}
		*dst = val
	case *string:
		val, ok := v.(string)
		if !ok {
			return fmt.Errorf("unexpected result type %T, want string", v)
		}
		*dst = val
	case *[]common.Address:
		val, ok := v.([]common.Address)
		if !ok {
			return fmt.Errorf("unexpected result type %T, want []common.Address", v)
		}
		*dst = val
	default:
		return fmt.Errorf("unsupported result destination %T", out)
	}
	return nil
}

// BalanceOf reads an ERC-20 balance. Read-only, side-effect-free.
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, token, erc20ABI, "balanceOf", &out, owner); err != nil {
		return nil, err
	}
	return out, nil
}

// Allowance reads an ERC-20 spending authorization.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, token, erc20ABI, "allowance", &out, owner, spender); err != nil {
		return nil, err
	}
	return out, nil
}

// CanTransfer asks the compliance registry whether the transfer is permitted.
func (c *Client) CanTransfer(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	var out bool
	if err := c.call(ctx, c.registry, complianceABI, "canTransfer", &out, from, to, amount); err != nil {
		return false, err
	}
	return out, nil
}

// ActiveModules lists the registry's currently active compliance modules.
func (c *Client) ActiveModules(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := c.call(ctx, c.registry, complianceABI, "getActiveModules", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ModuleCanBind asks a candidate module whether it is compatible with
// this registry. Unresponsive or incompatible candidates are rejected
// by the gate, never silently accepted.
func (c *Client) ModuleCanBind(ctx context.Context, module common.Address) (bool, error) {
	var out bool
	if err := c.call(ctx, module, moduleABI, "canComplianceBind", &out, c.registry); err != nil {
		return false, err
	}
	return out, nil
}

// ModuleName reads the candidate module's self-declared name.
func (c *Client) ModuleName(ctx context.Context, module common.Address) (string, error) {
	var out string
	if err := c.call(ctx, module, moduleABI, "name", &out); err != nil {
		return "", err
	}
	return out, nil
}

// ModuleVersion reads the candidate module's self-declared version.
func (c *Client) ModuleVersion(ctx context.Context, module common.Address) (string, error) {
	var out string
	if err := c.call(ctx, module, moduleABI, "version", &out); err != nil {
		return "", err
	}
	return out, nil
}

// IsOrderExecuted queries the settlement contract's executed-digest set.
// This is the authoritative idempotency source; the local cache is only
// a fast path in front of it.
func (c *Client) IsOrderExecuted(ctx context.Context, digest common.Hash) (bool, error) {
	var out bool
	if err := c.call(ctx, c.settlement, settlementABI, "orderExecuted", &out, digest); err != nil {
		return false, err
	}
	return out, nil
}

// ==============================
// Writes: simulate, dispatch, confirm
// ==============================

// simulate dry-runs calldata from the operator address. A simulation
// failure rejects the operation before any resource commitment.
func (c *Client) simulate(ctx context.Context, to common.Address, data []byte) error {
	from := c.operator.Address()
	_, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("simulation reverted: %w", err)
	}
	return nil
}

// dispatch signs and submits calldata as a transaction, returning its hash.
func (c *Client) dispatch(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	from := c.operator.Address()

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		gasLimit = defaultGasLimit
		c.log.Warnw("gas_estimate_failed", "to", to.Hex(), "err", err, "fallback", gasLimit)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.operator.PrivateKey())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.log.Infow("tx_dispatched", "hash", signed.Hash().Hex(), "to", to.Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// WaitMined polls for the transaction receipt until the context expires.
// A context deadline here means the outcome is unknown, not failed:
// callers must resolve by re-query, never by blind retry.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.ReceiptOf(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirmation wait aborted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ReceiptOf fetches the receipt for a transaction, or nil if it is not
// yet (or never was) included.
func (c *Client) ReceiptOf(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("receipt query failed: %w", err)
	}

	out := &Receipt{
		TxHash:            txHash,
		Status:            receipt.Status,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// ==============================
// Contract-specific operations
// ==============================

func packSettlement(req *DispatchRequest) ([]byte, error) {
	return settlementABI.Pack("settleTrade",
		req.BuyDigest, req.SellDigest,
		req.Buyer, req.Seller,
		req.PropertyToken, req.StablecoinToken,
		req.PropertyAmount, req.StablecoinAmount,
		req.BuySignature, req.SellSignature,
	)
}

// SimulateSettlement dry-runs the settlement before dispatch.
func (c *Client) SimulateSettlement(ctx context.Context, req *DispatchRequest) error {
	data, err := packSettlement(req)
	if err != nil {
		return fmt.Errorf("failed to pack settlement: %w", err)
	}
	return c.simulate(ctx, c.settlement, data)
}

// SubmitSettlement dispatches the settlement transaction.
func (c *Client) SubmitSettlement(ctx context.Context, req *DispatchRequest) (common.Hash, error) {
	data, err := packSettlement(req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack settlement: %w", err)
	}
	return c.dispatch(ctx, c.settlement, data)
}

func packModuleOp(op ModuleOp, module, token common.Address) ([]byte, error) {
	switch op {
	case OpBindTokenToModule:
		return complianceABI.Pack(string(op), token, module)
	case OpAddModule, OpRemoveModule, OpActivateModule, OpDeactivateModule:
		return complianceABI.Pack(string(op), module)
	default:
		return nil, fmt.Errorf("unknown module operation %q", op)
	}
}

// SimulateModuleOp dry-runs a registry lifecycle operation.
func (c *Client) SimulateModuleOp(ctx context.Context, op ModuleOp, module, token common.Address) error {
	data, err := packModuleOp(op, module, token)
	if err != nil {
		return err
	}
	return c.simulate(ctx, c.registry, data)
}

// DispatchModuleOp submits a registry lifecycle operation.
func (c *Client) DispatchModuleOp(ctx context.Context, op ModuleOp, module, token common.Address) (common.Hash, error) {
	data, err := packModuleOp(op, module, token)
	if err != nil {
		return common.Hash{}, err
	}
	return c.dispatch(ctx, c.registry, data)
}

// SimulateApprove dry-runs granting the settlement contract spending rights.
func (c *Client) SimulateApprove(ctx context.Context, token common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("approve", c.settlement, amount)
	if err != nil {
		return fmt.Errorf("failed to pack approve: %w", err)
	}
	return c.simulate(ctx, token, data)
}

// DispatchApprove submits the approval transaction.
func (c *Client) DispatchApprove(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", c.settlement, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return c.dispatch(ctx, token, data)
}

// depositFor pulls wallet's tokens via transferFrom, so the funded
// account is the wallet named on the wire, not the dispatching operator.
func packDeposit(token common.Address, amount *big.Int, wallet common.Address) ([]byte, error) {
	return settlementABI.Pack("depositFor", token, amount, wallet)
}

// SimulateDeposit dry-runs an escrow deposit on behalf of wallet.
func (c *Client) SimulateDeposit(ctx context.Context, token common.Address, amount *big.Int, wallet common.Address) error {
	data, err := packDeposit(token, amount, wallet)
	if err != nil {
		return fmt.Errorf("failed to pack deposit: %w", err)
	}
	return c.simulate(ctx, c.settlement, data)
}

// DispatchDeposit submits an escrow deposit on behalf of wallet.
func (c *Client) DispatchDeposit(ctx context.Context, token common.Address, amount *big.Int, wallet common.Address) (common.Hash, error) {
	data, err := packDeposit(token, amount, wallet)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack deposit: %w", err)
	}
	return c.dispatch(ctx, c.settlement, data)
}
