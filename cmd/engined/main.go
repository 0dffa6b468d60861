package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockestate/settlement/params"
	"github.com/blockestate/settlement/pkg/api"
	"github.com/blockestate/settlement/pkg/chain"
	"github.com/blockestate/settlement/pkg/codec"
	"github.com/blockestate/settlement/pkg/compliance"
	"github.com/blockestate/settlement/pkg/escrow"
	"github.com/blockestate/settlement/pkg/order"
	"github.com/blockestate/settlement/pkg/settle"
	"github.com/blockestate/settlement/pkg/store"
	"github.com/blockestate/settlement/pkg/util"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/engine.log"
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Persistence ----
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}

	cache, err := store.OpenExecutedCache(cfg.Engine.ExecutedCachePath)
	if err != nil {
		sugar.Fatalw("executed_cache_open_failed", "path", cfg.Engine.ExecutedCachePath, "err", err)
	}
	defer cache.Close()

	// ---- Chain client ----
	client, err := chain.Dial(cfg, sugar)
	if err != nil {
		sugar.Fatalw("chain_dial_failed", "rpc", cfg.Chain.RPCEndpoint, "err", err)
	}
	defer client.Close()
	sugar.Infow("chain_connected",
		"rpc", cfg.Chain.RPCEndpoint,
		"chain_id", cfg.Chain.ChainID.String(),
		"settlement", cfg.Chain.SettlementContract,
		"registry", cfg.Chain.ComplianceRegistry,
		"operator", client.Operator().Hex())

	// ---- Engine wiring ----
	domain := codec.DefaultDomain(cfg.Chain.ChainID, common.HexToAddress(cfg.Chain.SettlementContract))
	verifier := order.NewVerifier(codec.New(domain))

	gate := compliance.NewGate(client, st, sugar)
	ledger := escrow.NewLedger(client, st, sugar)

	engine := settle.NewOrchestrator(verifier, client, gate, st, cache, util.RealClock{}, sugar)
	engine.ConfirmTimeout = cfg.Engine.ConfirmTimeout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(engine, st, gate, ledger, sugar)
	go func() {
		if err := apiServer.Start(cfg.API.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("engine_started",
		"api_addr", cfg.API.ListenAddr,
		"confirm_timeout_ms", cfg.Engine.ConfirmTimeout.Milliseconds(),
		"poll_interval_ms", cfg.Engine.PollInterval.Milliseconds())

	<-ctx.Done()
	sugar.Info("shutting down")
}
