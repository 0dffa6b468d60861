package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Chain holds the connection and identity of the execution layer.
type Chain struct {
	RPCEndpoint        string
	ChainID            *big.Int
	SettlementContract string // verifying contract for order digests
	ComplianceRegistry string // modular compliance registry address
	OperatorKey        string // hex private key used to dispatch transactions
}

type Database struct {
	DSN string // postgres DSN
}

type Engine struct {
	// ConfirmTimeout bounds the wait for a settlement receipt. A pending
	// settlement past this deadline is left in "pending" and must be
	// resolved by re-query, never re-dispatched.
	ConfirmTimeout time.Duration
	// PollInterval spaces receipt lookups while waiting for confirmation.
	//
	// Recommended values:
	//   - Local devnet:  500ms (instant mining)
	//   - Testnet:       3s
	//   - Mainnet:       6s (one poll per block plus slack)
	PollInterval time.Duration
	// ExecutedCachePath is the pebble directory for the local
	// executed-digest fast path.
	ExecutedCachePath string
}

type API struct {
	ListenAddr string
}

type Config struct {
	Chain    Chain
	Database Database
	Engine   Engine
	API      API
}

func Default() Config {
	return Config{
		Chain: Chain{
			RPCEndpoint: "http://localhost:8545",
			ChainID:     big.NewInt(1337),
		},
		Engine: Engine{
			ConfirmTimeout:    2 * time.Minute,
			PollInterval:      3 * time.Second,
			ExecutedCachePath: "data/executed",
		},
		API: API{
			ListenAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if rpc := os.Getenv("CHAIN_RPC"); rpc != "" {
		cfg.Chain.RPCEndpoint = rpc
	}
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if n, ok := new(big.Int).SetString(id, 10); ok {
			cfg.Chain.ChainID = n
		}
	}
	if addr := os.Getenv("SETTLEMENT_CONTRACT"); addr != "" {
		cfg.Chain.SettlementContract = addr
	}
	if addr := os.Getenv("COMPLIANCE_REGISTRY"); addr != "" {
		cfg.Chain.ComplianceRegistry = addr
	}
	if key := os.Getenv("OPERATOR_KEY"); key != "" {
		cfg.Chain.OperatorKey = key
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if t := os.Getenv("CONFIRM_TIMEOUT_MS"); t != "" {
		if ms, err := strconv.Atoi(t); err == nil {
			cfg.Engine.ConfirmTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if t := os.Getenv("POLL_INTERVAL_MS"); t != "" {
		if ms, err := strconv.Atoi(t); err == nil {
			cfg.Engine.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if p := os.Getenv("EXECUTED_CACHE_PATH"); p != "" {
		cfg.Engine.ExecutedCachePath = p
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}

	return cfg
}

// Validate checks the fields that have no usable zero value.
func (c Config) Validate() error {
	if c.Chain.SettlementContract == "" {
		return fmt.Errorf("SETTLEMENT_CONTRACT is required")
	}
	if c.Chain.ComplianceRegistry == "" {
		return fmt.Errorf("COMPLIANCE_REGISTRY is required")
	}
	if c.Chain.OperatorKey == "" {
		return fmt.Errorf("OPERATOR_KEY is required")
	}
	return nil
}
