package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/core/compliance"
	"github.com/minjekim/veriswap/pkg/core/escrow"
	"github.com/minjekim/veriswap/pkg/core/events"
	"github.com/minjekim/veriswap/pkg/core/identity"
	"github.com/minjekim/veriswap/pkg/core/order"
	"github.com/minjekim/veriswap/pkg/core/settlement"
	"github.com/minjekim/veriswap/pkg/core/token"
)

// Server exposes the settlement entrypoints, the order feed consumed by
// keepers, the identity/compliance administration surface, and a
// WebSocket event stream for the UI collaborator.
type Server struct {
	engine    *settlement.Engine
	tokens    *token.Ledger
	escrow    *escrow.Ledger
	registry  *identity.Registry
	whitelist *compliance.Whitelist
	feed      *events.Feed
	router    *mux.Router
	hub       *Hub
	log       *zap.SugaredLogger
}

func NewServer(
	engine *settlement.Engine,
	tokens *token.Ledger,
	esc *escrow.Ledger,
	registry *identity.Registry,
	whitelist *compliance.Whitelist,
	feed *events.Feed,
	log *zap.SugaredLogger,
) *Server {
	s := &Server{
		engine:    engine,
		tokens:    tokens,
		escrow:    esc,
		registry:  registry,
		whitelist: whitelist,
		feed:      feed,
		router:    mux.NewRouter(),
		hub:       NewHub(log),
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Settlement entrypoints
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/fill", s.handleFill).Methods("POST")

	// Order feed
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleOpenOrders).Methods("GET")
	api.HandleFunc("/orders/{hash}", s.handleOrderStatus).Methods("GET")

	// Balances
	api.HandleFunc("/escrow/{account}/{asset}", s.handleEscrowBalance).Methods("GET")
	api.HandleFunc("/tokens/{asset}/balances/{account}", s.handleTokenBalance).Methods("GET")

	// Token administration (devnet asset ledger)
	api.HandleFunc("/tokens/mint", s.handleMint).Methods("POST")
	api.HandleFunc("/tokens/approve", s.handleApprove).Methods("POST")

	// Identity administration (agent-privileged)
	api.HandleFunc("/identity/register", s.handleRegisterIdentity).Methods("POST")
	api.HandleFunc("/identity/verify", s.handleSetVerified).Methods("POST")
	api.HandleFunc("/identity/country", s.handleUpdateCountry).Methods("POST")
	api.HandleFunc("/identity/recover", s.handleRecoverIdentity).Methods("POST")
	api.HandleFunc("/identity/agents", s.handleAgents).Methods("POST")
	api.HandleFunc("/identity/{address}", s.handleDeleteIdentity).Methods("DELETE")

	// Compliance administration (admin-privileged)
	api.HandleFunc("/compliance/whitelist", s.handleWhitelist).Methods("POST")

	// WebSocket event stream
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub, the event relay and the HTTP listener.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.relayEvents()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// relayEvents forwards settlement events to connected WebSocket clients.
func (s *Server) relayEvents() {
	ch, cancel := s.feed.Subscribe()
	defer cancel()

	for e := range ch {
		s.hub.Broadcast(e)
	}
}

// ==============================
// Settlement handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.engine.Deposit(account, asset, amount); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Balance: s.escrow.Balance(account, asset).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.engine.Withdraw(account, asset, amount); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Balance: s.escrow.Balance(account, asset).String(),
	})
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	taker, err := parseAddress(req.Taker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h, err := s.engine.FillOrder(req.Order, req.Signature, taker)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderStatusResponse{Hash: h.Hex(), Status: s.engine.Status(h).String()})
}

// ==============================
// Order feed handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var signed order.Signed
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	h, err := s.engine.SubmitOrder(signed)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{Hash: h.Hex()})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.OpenOrders())
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	hashHex := mux.Vars(r)["hash"]
	if len(hashHex) != 2+2*common.HashLength {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid order hash: %s", hashHex))
		return
	}
	h := common.HexToHash(hashHex)
	writeJSON(w, http.StatusOK, OrderStatusResponse{Hash: h.Hex(), Status: s.engine.Status(h).String()})
}

// ==============================
// Balance handlers
// ==============================

func (s *Server) handleEscrowBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account, err := parseAddress(vars["account"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(vars["asset"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Balance: s.escrow.Balance(account, asset).String(),
	})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset, err := parseAddress(vars["asset"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(vars["account"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Balance: s.tokens.BalanceOf(asset, account).String(),
	})
}

// ==============================
// Token administration handlers
// ==============================

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.tokens.Mint(caller, asset, to, amount); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: to.Hex(),
		Asset:   asset.Hex(),
		Balance: s.tokens.BalanceOf(asset, to).String(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.tokens.Approve(asset, owner, spender, amount); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ==============================
// Identity administration handlers
// ==============================

func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req RegisterIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.RegisterIdentity(caller, account, common.HexToHash(req.IdentityRef), req.Country); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSetVerified(w http.ResponseWriter, r *http.Request) {
	var req SetVerifiedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.SetVerified(caller, account, req.Verified); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateCountry(w http.ResponseWriter, r *http.Request) {
	var req UpdateCountryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.UpdateCountry(caller, account, req.Country); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecoverIdentity(w http.ResponseWriter, r *http.Request) {
	var req RecoverIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	oldAccount, err := parseAddress(req.OldAccount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	newAccount, err := parseAddress(req.NewAccount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.RecoverIdentity(caller, oldAccount, newAccount); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := parseAddress(req.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Remove {
		err = s.registry.RemoveAgent(caller, agent)
	} else {
		err = s.registry.AddAgent(caller, agent)
	}
	if err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(r.URL.Query().Get("caller"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.DeleteIdentity(caller, account); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ==============================
// Compliance administration handlers
// ==============================

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.whitelist.SetWhitelisted(caller, account, req.Whitelisted); err != nil {
		writeCoreError(w, err)
		return
	}
	if req.Attestation != "" {
		if err := s.whitelist.SetAttestation(caller, account, common.HexToHash(req.Attestation)); err != nil {
			writeCoreError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func parseAddress(hexAddr string) (common.Address, error) {
	if !common.IsHexAddress(hexAddr) {
		return common.Address{}, fmt.Errorf("invalid address: %q", hexAddr)
	}
	return common.HexToAddress(hexAddr), nil
}

func parseAmount(dec string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(dec, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", dec)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeCoreError maps the settlement error taxonomy onto HTTP statuses so
// every rejection carries a distinguishable reason code.
func writeCoreError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	code := ""
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		status, code = http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, core.ErrAlreadySettled):
		status, code = http.StatusConflict, "ALREADY_SETTLED"
	case errors.Is(err, core.ErrExpired):
		status, code = http.StatusGone, "EXPIRED"
	case errors.Is(err, core.ErrInvalidSignature):
		status, code = http.StatusBadRequest, "INVALID_SIGNATURE"
	case errors.Is(err, core.ErrInsufficientEscrow):
		status, code = http.StatusUnprocessableEntity, "INSUFFICIENT_ESCROW"
	case errors.Is(err, core.ErrTransferRejected):
		status, code = http.StatusUnprocessableEntity, "TRANSFER_REJECTED"
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
