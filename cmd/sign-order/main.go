package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockestate/settlement/pkg/codec"
	"github.com/blockestate/settlement/pkg/crypto"
	"github.com/blockestate/settlement/pkg/order"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	var (
		keyHex     = flag.String("key", "", "signer private key hex (generates a fresh key when empty)")
		chainID    = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		contract   = flag.String("contract", "0x0000000000000000000000000000000000000001", "settlement contract address")
		property   = flag.String("property", "0x00000000000000000000000000000000000000AA", "security token address")
		stablecoin = flag.String("stablecoin", "0x00000000000000000000000000000000000000BB", "settlement currency address")
		propAmt    = flag.String("property-amount", "1000", "security token amount (smallest unit)")
		stableAmt  = flag.String("stablecoin-amount", "500000", "settlement currency amount (smallest unit)")
		ttl        = flag.Duration("ttl", time.Hour, "order validity window")
	)
	flag.Parse()

	// Step 1: Generate or load key
	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	}
	if err != nil {
		fatal("key: %v", err)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	propertyAmount, ok := new(big.Int).SetString(*propAmt, 10)
	if !ok {
		fatal("invalid property amount %q", *propAmt)
	}
	stablecoinAmount, ok := new(big.Int).SetString(*stableAmt, 10)
	if !ok {
		fatal("invalid stablecoin amount %q", *stableAmt)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		fatal("nonce: %v", err)
	}
	expiry := time.Now().Add(*ttl).Unix()

	// Step 2: Build the typed order
	typed := &codec.Order{
		PropertyToken:    common.HexToAddress(*property),
		StablecoinToken:  common.HexToAddress(*stablecoin),
		PropertyAmount:   propertyAmount,
		StablecoinAmount: stablecoinAmount,
		Expiry:           big.NewInt(expiry),
		Nonce:            new(big.Int).SetUint64(nonce),
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Property Token: %s\n", typed.PropertyToken.Hex())
	fmt.Printf("  Stablecoin Token: %s\n", typed.StablecoinToken.Hex())
	fmt.Printf("  Property Amount: %s\n", typed.PropertyAmount.String())
	fmt.Printf("  Stablecoin Amount: %s\n", typed.StablecoinAmount.String())
	fmt.Printf("  Expiry: %d (%s)\n", expiry, time.Unix(expiry, 0).UTC().Format(time.RFC3339))
	fmt.Printf("  Nonce: %d\n\n", nonce)

	// Step 3: Sign with EIP-712
	domain := codec.DefaultDomain(big.NewInt(*chainID), common.HexToAddress(*contract))
	c := codec.New(domain)

	signature, err := c.SignOrder(signer, typed)
	if err != nil {
		fatal("sign: %v", err)
	}
	fmt.Printf("Signature: 0x%x\n\n", signature)

	// Step 4: Wire payload, as the settlement API accepts it
	payload := &order.Payload{
		PropertyToken:    typed.PropertyToken.Hex(),
		StablecoinToken:  typed.StablecoinToken.Hex(),
		PropertyAmount:   typed.PropertyAmount.String(),
		StablecoinAmount: typed.StablecoinAmount.String(),
		Expiry:           typed.Expiry.String(),
		Nonce:            typed.Nonce.String(),
		Signer:           signer.Address().Hex(),
		Signature:        fmt.Sprintf("0x%x", signature),
	}

	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fatal("marshal: %v", err)
	}
	fmt.Println("Signed Order (JSON):")
	fmt.Println(string(payloadJSON))
	fmt.Println()

	// Step 5: Verify signature round-trip
	fmt.Println("Verifying signature...")
	valid, err := c.VerifyOrderSignature(typed, signature, signer.Address())
	if err != nil {
		fatal("verify: %v", err)
	}
	if !valid {
		fatal("signature INVALID")
	}
	fmt.Println("Signature VALID")

	recovered, err := c.RecoverOrderSigner(typed, signature)
	if err != nil {
		fatal("recover: %v", err)
	}
	fmt.Printf("  Signer: %s\n", recovered.Hex())
	fmt.Printf("  Matches key: %v\n\n", recovered == signer.Address())

	// Step 6: Typed data for wallet signing (eth_signTypedData_v4)
	typedJSON, err := c.OrderToJSON(typed)
	if err != nil {
		fatal("typed data: %v", err)
	}
	fmt.Println("Typed Data (eth_signTypedData_v4):")
	fmt.Println(typedJSON)
	fmt.Println()

	fmt.Println("To submit a matched pair to the engine:")
	fmt.Println("  POST http://localhost:8080/api/v1/settlements")
	fmt.Println("  Content-Type: application/json")
	fmt.Println(`  Body: {"pair": {"buy": <buy order>, "sell": <sell order>}}`)
}
