// Package api exposes the engine to other subsystems: settlement
// submission, history queries, escrow operations, compliance module
// management, and a WebSocket stream of settlement status transitions.
package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/blockestate/settlement/pkg/compliance"
	enginecrypto "github.com/blockestate/settlement/pkg/crypto"
	"github.com/blockestate/settlement/pkg/escrow"
	"github.com/blockestate/settlement/pkg/settle"
	"github.com/blockestate/settlement/pkg/store"
)

// Server handles REST API and WebSocket connections
type Server struct {
	engine *settle.Orchestrator
	st     *store.Store
	gate   *compliance.Gate
	ledger *escrow.Ledger
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(engine *settle.Orchestrator, st *store.Store, gate *compliance.Gate, ledger *escrow.Ledger, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		st:     st,
		gate:   gate,
		ledger: ledger,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}

	// Every record transition is pushed to subscribers.
	engine.OnRecord = func(rec *store.SettlementRecord) {
		s.hub.BroadcastSettlement(toSettlementInfo(rec))
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Settlement endpoints
	api.HandleFunc("/settlements", s.handleSubmitSettlement).Methods("POST")
	api.HandleFunc("/settlements/{txHash}", s.handleGetSettlement).Methods("GET")
	api.HandleFunc("/settlements/{txHash}/resolve", s.handleResolveSettlement).Methods("POST")
	api.HandleFunc("/wallets/{address}/settlements", s.handleWalletSettlements).Methods("GET")
	api.HandleFunc("/assets/{token}/settlements", s.handleAssetSettlements).Methods("GET")

	// Escrow endpoints
	api.HandleFunc("/wallets/{address}/deposits/{token}", s.handleDepositBalance).Methods("GET")
	api.HandleFunc("/deposits", s.handleConfirmDeposit).Methods("POST")
	api.HandleFunc("/approvals", s.handleApproveToken).Methods("POST")

	// Compliance endpoints
	api.HandleFunc("/compliance/check", s.handleComplianceCheck).Methods("POST")
	api.HandleFunc("/compliance/check/batch", s.handleComplianceBatchCheck).Methods("POST")
	api.HandleFunc("/compliance/modules", s.handleListModules).Methods("GET")
	api.HandleFunc("/compliance/modules", s.handleAddModule).Methods("POST")
	api.HandleFunc("/compliance/modules/{address}", s.handleRemoveModule).Methods("DELETE")
	api.HandleFunc("/compliance/modules/{address}/activate", s.handleActivateModule).Methods("POST")
	api.HandleFunc("/compliance/modules/{address}/deactivate", s.handleDeactivateModule).Methods("POST")
	api.HandleFunc("/compliance/modules/{address}/bind", s.handleBindModule).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Router exposes the handler tree (tests drive it via httptest).
func (s *Server) Router() http.Handler { return s.router }

// Start starts the API server
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Helpers
// ==============================

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warnw("response_encode_failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string) {
	// Only bad requests belong to the failure taxonomy; lookup and server
	// errors are plain.
	if status == http.StatusBadRequest {
		s.writeJSON(w, status, FailureInfo{Kind: settle.KindMalformed, Reason: reason, RequestID: uuid.NewString()})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": reason})
}

// writeFailure maps the failure taxonomy onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, f *settle.Failure) {
	status := http.StatusBadRequest
	switch f.Kind {
	case settle.KindAuth:
		status = http.StatusUnauthorized
	case settle.KindComplianceDenied:
		status = http.StatusForbidden
	case settle.KindAlreadyExecuted:
		status = http.StatusConflict
	case settle.KindExecutionFailed:
		status = http.StatusBadGateway
	case settle.KindOutcomeUnknown:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, FailureInfo{
		Kind:          f.Kind,
		Reason:        f.Reason,
		TxHash:        f.TxHash,
		ActiveModules: f.ActiveModules,
		RequestID:     uuid.NewString(),
	})
}

func parseAddr(s string) (common.Address, error) {
	raw, err := enginecrypto.ParseAddress(s)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// ==============================
// Settlement handlers
// ==============================

func (s *Server) handleSubmitSettlement(w http.ResponseWriter, r *http.Request) {
	var req settle.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.engine.Settle(r.Context(), &req)
	if err != nil {
		var failure *settle.Failure
		if errors.As(err, &failure) {
			s.writeFailure(w, failure)
			return
		}
		s.log.Errorw("settlement_internal_error", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, toSettlementInfo(rec))
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	rec, err := s.st.GetSettlement(r.Context(), txHash)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toSettlementInfo(rec))
}

func (s *Server) handleResolveSettlement(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	rec, err := s.engine.Resolve(r.Context(), txHash)
	if err != nil {
		var failure *settle.Failure
		if errors.As(err, &failure) {
			s.writeFailure(w, failure)
			return
		}
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toSettlementInfo(rec))
}

func (s *Server) handleWalletSettlements(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.st.SettlementsByWallet(r.Context(), addr.Hex())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	infos := make([]SettlementInfo, len(recs))
	for i := range recs {
		infos[i] = toSettlementInfo(&recs[i])
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleAssetSettlements(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddr(mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.st.SettlementsByAsset(r.Context(), token.Hex())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	infos := make([]SettlementInfo, len(recs))
	for i := range recs {
		infos[i] = toSettlementInfo(&recs[i])
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// ==============================
// Escrow handlers
// ==============================

func (s *Server) handleDepositBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wallet, err := parseAddr(vars["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddr(vars["token"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := s.st.DepositBalance(r.Context(), token.Hex(), wallet.Hex())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, DepositBalance{Token: token.Hex(), Wallet: wallet.Hex(), Amount: amount})
}

func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := parseAddr(req.Token)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := parseAddr(req.Wallet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	result, err := s.ledger.ConfirmDeposit(r.Context(), token, amount, wallet)
	if err != nil {
		// Shortfalls carry distinct, actionable reasons.
		if errors.Is(err, escrow.ErrInsufficientBalance) || errors.Is(err, escrow.ErrInsufficientAllowance) {
			s.writeJSON(w, http.StatusUnprocessableEntity, FailureInfo{Kind: settle.KindInsufficient, Reason: err.Error()})
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApproveToken(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := parseAddr(req.Token)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	result, err := s.ledger.ApproveToken(r.Context(), token, amount)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ==============================
// Compliance handlers
// ==============================

func (s *Server) handleComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	from, err := parseAddr(req.From)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddr(req.To)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	s.writeJSON(w, http.StatusOK, s.gate.CanTransfer(r.Context(), from, to, amount))
}

func (s *Server) handleComplianceBatchCheck(w http.ResponseWriter, r *http.Request) {
	var req BatchCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	from, err := parseAddr(req.From)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to := make([]common.Address, 0, len(req.To))
	for _, t := range req.To {
		addr, err := parseAddr(t)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		to = append(to, addr)
	}
	amounts := make([]*big.Int, 0, len(req.Amounts))
	for _, a := range req.Amounts {
		v, ok := parseAmount(a)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "amounts must be positive integers")
			return
		}
		amounts = append(amounts, v)
	}

	results, err := s.gate.BatchCanTransfer(r.Context(), from, to, amounts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.st.ListModules(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	infos := make([]ModuleInfo, len(recs))
	for i, rec := range recs {
		infos[i] = ModuleInfo{Address: rec.Address, Active: rec.Active, Name: rec.Name, Version: rec.Version}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

type moduleOpFunc func(r *http.Request, module common.Address, token common.Address) (*compliance.ModuleOpResult, error)

func (s *Server) runModuleOp(w http.ResponseWriter, r *http.Request, module, token string, op moduleOpFunc) {
	moduleAddr, err := parseAddr(module)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var tokenAddr common.Address
	if token != "" {
		if tokenAddr, err = parseAddr(token); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := op(r, moduleAddr, tokenAddr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !result.Confirmed {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleAddModule(w http.ResponseWriter, r *http.Request) {
	var req ModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.runModuleOp(w, r, req.Module, "", func(r *http.Request, module, _ common.Address) (*compliance.ModuleOpResult, error) {
		return s.gate.AddModule(r.Context(), module)
	})
}

func (s *Server) handleRemoveModule(w http.ResponseWriter, r *http.Request) {
	s.runModuleOp(w, r, mux.Vars(r)["address"], "", func(r *http.Request, module, _ common.Address) (*compliance.ModuleOpResult, error) {
		return s.gate.RemoveModule(r.Context(), module)
	})
}

func (s *Server) handleActivateModule(w http.ResponseWriter, r *http.Request) {
	s.runModuleOp(w, r, mux.Vars(r)["address"], "", func(r *http.Request, module, _ common.Address) (*compliance.ModuleOpResult, error) {
		return s.gate.ActivateModule(r.Context(), module)
	})
}

func (s *Server) handleDeactivateModule(w http.ResponseWriter, r *http.Request) {
	s.runModuleOp(w, r, mux.Vars(r)["address"], "", func(r *http.Request, module, _ common.Address) (*compliance.ModuleOpResult, error) {
		return s.gate.DeactivateModule(r.Context(), module)
	})
}

func (s *Server) handleBindModule(w http.ResponseWriter, r *http.Request) {
	var req ModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.runModuleOp(w, r, mux.Vars(r)["address"], req.Token, func(r *http.Request, module, token common.Address) (*compliance.ModuleOpResult, error) {
		return s.gate.BindTokenToModule(r.Context(), token, module)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
