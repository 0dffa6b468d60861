package order

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockestate/settlement/pkg/codec"
)

// Verifier authenticates signed order payloads against a fixed domain.
type Verifier struct {
	codec *codec.Codec
}

func NewVerifier(c *codec.Codec) *Verifier {
	return &Verifier{codec: c}
}

// Digest computes the order's typed-data digest.
func (v *Verifier) Digest(p *Payload) (common.Hash, error) {
	typed, err := p.ToTyped()
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := v.codec.HashOrder(typed)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(hash), nil
}

// Verify reports whether the payload's signature recovers to its claimed
// signer. Any malformed input verifies false; verification failure is a
// normal outcome, not an exceptional one.
func (v *Verifier) Verify(p *Payload) bool {
	typed, err := p.ToTyped()
	if err != nil {
		return false
	}
	claimed, err := p.SignerAddress()
	if err != nil {
		return false
	}
	sig, err := decodeSignature(p.Signature)
	if err != nil {
		return false
	}
	ok, err := v.codec.VerifyOrderSignature(typed, sig, claimed)
	if err != nil {
		return false
	}
	return ok
}

// SignatureBytes returns the decoded 65-byte signature.
func (p *Payload) SignatureBytes() ([]byte, error) {
	return decodeSignature(p.Signature)
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}

	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	return sigBytes, nil
}
