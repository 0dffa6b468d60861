// Package order carries the wire form of signed trade orders and the
// validation that happens before any network call is made.
package order

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockestate/settlement/pkg/codec"
	enginecrypto "github.com/blockestate/settlement/pkg/crypto"
)

// Payload is one signed order as submitted by a client.
// Amounts are decimal strings so arbitrary-precision values survive JSON.
type Payload struct {
	PropertyToken    string `json:"property_token"`    // asset address (0x...)
	StablecoinToken  string `json:"stablecoin_token"`  // settlement currency address
	PropertyAmount   string `json:"property_amount"`   // BigInt as string
	StablecoinAmount string `json:"stablecoin_amount"` // BigInt as string
	Expiry           string `json:"expiry"`            // Unix seconds
	Nonce            string `json:"nonce"`             // BigInt as string
	Signer           string `json:"signer"`            // claimed authorizing address
	Signature        string `json:"signature"`         // hex-encoded 65-byte signature (0x...)
}

func parseAmount(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", name, s)
	}
	return v, nil
}

func parseAddr(name, s string) (common.Address, error) {
	raw, err := enginecrypto.ParseAddress(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return common.BytesToAddress(raw), nil
}

// ToTyped parses and validates the payload into its canonical typed form.
// Amounts must be positive; addresses must be well-formed.
func (p *Payload) ToTyped() (*codec.Order, error) {
	propertyToken, err := parseAddr("property_token", p.PropertyToken)
	if err != nil {
		return nil, err
	}
	stablecoinToken, err := parseAddr("stablecoin_token", p.StablecoinToken)
	if err != nil {
		return nil, err
	}
	if _, err := parseAddr("signer", p.Signer); err != nil {
		return nil, err
	}

	propertyAmount, err := parseAmount("property_amount", p.PropertyAmount)
	if err != nil {
		return nil, err
	}
	stablecoinAmount, err := parseAmount("stablecoin_amount", p.StablecoinAmount)
	if err != nil {
		return nil, err
	}
	if propertyAmount.Sign() <= 0 {
		return nil, fmt.Errorf("property_amount must be positive, got %s", p.PropertyAmount)
	}
	if stablecoinAmount.Sign() <= 0 {
		return nil, fmt.Errorf("stablecoin_amount must be positive, got %s", p.StablecoinAmount)
	}

	expiry, err := parseAmount("expiry", p.Expiry)
	if err != nil {
		return nil, err
	}
	nonce, err := parseAmount("nonce", p.Nonce)
	if err != nil {
		return nil, err
	}

	return &codec.Order{
		PropertyToken:    propertyToken,
		StablecoinToken:  stablecoinToken,
		PropertyAmount:   propertyAmount,
		StablecoinAmount: stablecoinAmount,
		Expiry:           expiry,
		Nonce:            nonce,
	}, nil
}

// SignerAddress returns the claimed signer as a parsed address.
func (p *Payload) SignerAddress() (common.Address, error) {
	return parseAddr("signer", p.Signer)
}

// Expired reports whether the order's expiry is at or before now.
func (p *Payload) Expired(now time.Time) bool {
	expiry, ok := new(big.Int).SetString(p.Expiry, 10)
	if !ok {
		return true // unparseable expiry never settles
	}
	return expiry.Cmp(big.NewInt(now.Unix())) <= 0
}

// Pair is a buy and a sell order claimed to represent the same trade.
type Pair struct {
	Buy  *Payload `json:"buy"`
	Sell *Payload `json:"sell"`
}

// Validate checks the pair invariant: token identities and both amounts
// must be byte-for-byte equal across the two orders. Runs before any
// signature work or network call.
func (p *Pair) Validate() error {
	if p.Buy == nil || p.Sell == nil {
		return fmt.Errorf("both buy and sell orders are required")
	}
	if p.Buy.PropertyToken != p.Sell.PropertyToken {
		return fmt.Errorf("orders do not match: property token %s vs %s", p.Buy.PropertyToken, p.Sell.PropertyToken)
	}
	if p.Buy.StablecoinToken != p.Sell.StablecoinToken {
		return fmt.Errorf("orders do not match: stablecoin token %s vs %s", p.Buy.StablecoinToken, p.Sell.StablecoinToken)
	}
	if p.Buy.PropertyAmount != p.Sell.PropertyAmount {
		return fmt.Errorf("orders do not match: property amount %s vs %s", p.Buy.PropertyAmount, p.Sell.PropertyAmount)
	}
	if p.Buy.StablecoinAmount != p.Sell.StablecoinAmount {
		return fmt.Errorf("orders do not match: stablecoin amount %s vs %s", p.Buy.StablecoinAmount, p.Sell.StablecoinAmount)
	}
	return nil
}
