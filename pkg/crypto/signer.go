package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer manages a secp256k1 key pair for signing order digests
// and settlement transactions (Ethereum-compatible).
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return fromECDSA(privateKey)
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// Format: 64 hex chars, no 0x prefix
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return fromECDSA(privateKey)
}

func fromECDSA(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    crypto.PubkeyToAddress(*publicKey),
	}, nil
}

// Address returns the Ethereum address derived from the public key
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix)
// WARNING: Keep this secret! Never expose to users or logs
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// PrivateKey exposes the raw key for transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// Sign signs a 32-byte digest using ECDSA and returns the signature
// in [R || S || V] format (65 bytes).
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// VerifySignature reports whether signature was created by address over hash.
// Malformed input is an ordinary false, never an error.
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	if len(signature) != 65 || len(hash) != 32 {
		return false
	}

	publicKeyBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return false
	}
	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return false
	}

	return crypto.PubkeyToAddress(*publicKey) == address
}

// RecoverAddress recovers the signer's address from a digest and signature
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}

	publicKeyBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return crypto.PubkeyToAddress(*publicKey), nil
}

// GenerateNonce generates a cryptographically secure random nonce for
// order replay protection.
func GenerateNonce() (uint64, error) {
	nonceBytes := make([]byte, 8)
	if _, err := rand.Read(nonceBytes); err != nil {
		return 0, fmt.Errorf("failed to generate nonce: %w", err)
	}
	var nonce uint64
	for i, b := range nonceBytes {
		nonce |= uint64(b) << (8 * i)
	}
	return nonce, nil
}
