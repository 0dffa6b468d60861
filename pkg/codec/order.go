// Package codec canonicalizes settlement orders into EIP-712 typed-data
// digests. The digest is the order's stable identity: it is what the
// holder signs, what the settlement contract marks executed, and what
// the engine keys idempotency on.
package codec

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	enginecrypto "github.com/blockestate/settlement/pkg/crypto"
)

// Domain is the EIP-712 domain separator input. Binding the chain ID and
// the settlement contract address prevents a signature valid on one
// deployment from being replayed on another.
type Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version
	ChainID           *big.Int       // Numeric chain identifier
	VerifyingContract common.Address // Settlement contract address
}

// Order is one side of a trade in its typed, canonical form.
// Field order here matches the declared EIP-712 schema; hashing order is
// fixed by the schema, not by any transport encoding.
type Order struct {
	PropertyToken    common.Address // security token being traded
	StablecoinToken  common.Address // settlement currency
	PropertyAmount   *big.Int       // smallest-unit denomination
	StablecoinAmount *big.Int       // smallest-unit denomination
	Expiry           *big.Int       // Unix seconds
	Nonce            *big.Int       // unique per signer
}

var orderSchema = []apitypes.Type{
	{Name: "propertyToken", Type: "address"},
	{Name: "stablecoinToken", Type: "address"},
	{Name: "propertyAmount", Type: "uint256"},
	{Name: "stablecoinAmount", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

// Codec produces EIP-712 digests for a fixed domain.
type Codec struct {
	domain Domain
}

func New(domain Domain) *Codec {
	return &Codec{domain: domain}
}

// DefaultDomain returns the protocol domain for a given deployment.
func DefaultDomain(chainID *big.Int, settlementContract common.Address) Domain {
	return Domain{
		Name:              "BlockEstate Settlement",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: settlementContract,
	}
}

func (c *Codec) typedData(order *Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": orderSchema,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              c.domain.Name,
			Version:           c.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(c.domain.ChainID),
			VerifyingContract: c.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"propertyToken":    order.PropertyToken.Hex(),
			"stablecoinToken":  order.StablecoinToken.Hex(),
			"propertyAmount":   order.PropertyAmount.String(),
			"stablecoinAmount": order.StablecoinAmount.String(),
			"expiry":           order.Expiry.String(),
			"nonce":            order.Nonce.String(),
		},
	}
}

// HashOrder hashes an order according to the EIP-712 spec.
// Returns the 32-byte digest that holders sign.
func (c *Codec) HashOrder(order *Order) ([]byte, error) {
	if order.PropertyAmount == nil || order.StablecoinAmount == nil ||
		order.Expiry == nil || order.Nonce == nil {
		return nil, fmt.Errorf("order has nil numeric field")
	}

	typedData := c.typedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || structHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(structHash)))
	digest := crypto.Keccak256Hash(rawData)

	return digest.Bytes(), nil
}

// SignOrder signs an order and returns the 65-byte signature
func (c *Codec) SignOrder(signer *enginecrypto.Signer, order *Order) ([]byte, error) {
	hash, err := c.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// VerifyOrderSignature reports whether signature over order's digest
// recovers to claimed. Malformed signatures verify false, never error;
// only a failure to compute the digest itself is an error.
func (c *Codec) VerifyOrderSignature(order *Order, signature []byte, claimed common.Address) (bool, error) {
	hash, err := c.HashOrder(order)
	if err != nil {
		return false, fmt.Errorf("failed to hash order: %w", err)
	}
	return enginecrypto.VerifySignature(claimed, hash, signature), nil
}

// RecoverOrderSigner recovers the address that signed an order
func (c *Codec) RecoverOrderSigner(order *Order, signature []byte) (common.Address, error) {
	hash, err := c.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return enginecrypto.RecoverAddress(hash, signature)
}

// OrderToJSON renders the typed data for frontend/wallet signing.
// MetaMask and other wallets use this format for eth_signTypedData_v4.
func (c *Codec) OrderToJSON(order *Order) (string, error) {
	schema := make([]map[string]string, 0, len(orderSchema))
	for _, f := range orderSchema {
		schema = append(schema, map[string]string{"name": f.Name, "type": f.Type})
	}

	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": []map[string]string{
				{"name": "name", "type": "string"},
				{"name": "version", "type": "string"},
				{"name": "chainId", "type": "uint256"},
				{"name": "verifyingContract", "type": "address"},
			},
			"Order": schema,
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              c.domain.Name,
			"version":           c.domain.Version,
			"chainId":           c.domain.ChainID.String(),
			"verifyingContract": c.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"propertyToken":    order.PropertyToken.Hex(),
			"stablecoinToken":  order.StablecoinToken.Hex(),
			"propertyAmount":   order.PropertyAmount.String(),
			"stablecoinAmount": order.StablecoinAmount.String(),
			"expiry":           order.Expiry.String(),
			"nonce":            order.Nonce.String(),
		},
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}
