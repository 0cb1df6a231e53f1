// Package api exposes the authorization engine over a small REST surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AccountGuard/internal/credential"
	"AccountGuard/internal/engine"
)

// Server serves the HTTP API in front of an Engine.
type Server struct {
	addr   string
	engine *engine.Engine
}

// NewServer builds an API server bound to addr.
func NewServer(addr string, eng *engine.Engine) *Server {
	return &Server{addr: addr, engine: eng}
}

// Start runs the HTTP listener until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts", s.handleAccounts)
	mux.HandleFunc("/api/v1/signatures/verify", s.handleVerifySignature)
	mux.HandleFunc("/api/v1/factors", s.handleFactors)
	mux.HandleFunc("/api/v1/factors/remove", s.handleRemoveFactor)
	mux.HandleFunc("/api/v1/mfa", s.handleMFA)
	mux.HandleFunc("/api/v1/timelock", s.handleTimelock)
	mux.HandleFunc("/api/v1/timelock/cancel", s.handleCancelAction)
	mux.HandleFunc("/api/v1/timelock/execute", s.handleExecuteAction)
	mux.HandleFunc("/api/v1/recovery", s.handleRecovery)
	mux.HandleFunc("/api/v1/recovery/guardians", s.handleGuardians)
	mux.HandleFunc("/api/v1/recovery/threshold", s.handleThreshold)
	mux.HandleFunc("/api/v1/recovery/initiate", s.handleInitiateRecovery)
	mux.HandleFunc("/api/v1/recovery/approve", s.handleApproveRecovery)
	mux.HandleFunc("/api/v1/recovery/execute", s.handleExecuteRecovery)
	mux.HandleFunc("/api/v1/recovery/cancel", s.handleCancelRecovery)
	mux.HandleFunc("/api/v1/modules", s.handleModules)
	mux.HandleFunc("/api/v1/modules/uninstall", s.handleUninstallModule)
	mux.HandleFunc("/api/v1/hooks", s.handleHooks)
	mux.HandleFunc("/api/v1/hooks/remove", s.handleRemoveHook)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type initAccountRequest struct {
	Account    string `json:"account"`
	PrimaryKey string `json:"primary_key"`
	Owner      string `json:"owner"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req initAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		initial := credential.State{
			PrimaryKey: credential.PublicKeyHandle{Address: common.HexToAddress(req.PrimaryKey)},
			Owner:      common.HexToAddress(req.Owner),
			MFAEnabled: req.MFAEnabled,
		}
		if err := s.engine.InitAccount(r.Context(), req.Account, initial); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"account": req.Account})
	case http.MethodGet:
		account := r.URL.Query().Get("account")
		state, err := s.engine.Credential(r.Context(), account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, state)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

type verifyRequest struct {
	Account    string `json:"account"`
	IntentHash string `json:"intent_hash"`
	Signature  string `json:"signature"`
}

func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	valid, err := s.engine.IsValidSignature(r.Context(), req.Account, common.HexToHash(req.IntentHash), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"valid": valid})
}
