package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AccountGuard/internal/credential"
	"AccountGuard/internal/recovery"
	"AccountGuard/internal/registry"
	"AccountGuard/internal/timelock"
)

type signedRequest struct {
	Account   string `json:"account"`
	Caller    string `json:"caller"`
	Signature string `json:"signature"`
}

func (sr signedRequest) caller() common.Address {
	return common.HexToAddress(sr.Caller)
}

func (sr signedRequest) signature() ([]byte, error) {
	if sr.Signature == "" {
		return nil, nil
	}
	return hexutil.Decode(sr.Signature)
}

type addFactorRequest struct {
	signedRequest
	X     *hexutil.Big `json:"x"`
	Y     *hexutil.Big `json:"y"`
	Label string       `json:"label"`
}

func (s *Server) handleFactors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req addFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	id, err := s.engine.AddSecondFactor(r.Context(), req.Account, req.caller(),
		(*big.Int)(req.X), (*big.Int)(req.Y), req.Label, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"factor_id": id.Hex()})
}

type removeFactorRequest struct {
	signedRequest
	FactorID string `json:"factor_id"`
}

func (s *Server) handleRemoveFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req removeFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.RemoveSecondFactor(r.Context(), req.Account, req.caller(), common.HexToHash(req.FactorID), sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"removed": true})
}

type setMFARequest struct {
	signedRequest
	Enabled bool `json:"enabled"`
}

func (s *Server) handleMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req setMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetMFA(r.Context(), req.Account, req.caller(), req.Enabled, sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"mfa_enabled": req.Enabled})
}

type proposeRequest struct {
	signedRequest
	Kind          string       `json:"kind"`
	NewPrimaryKey string       `json:"new_primary_key,omitempty"`
	NewOwner      string       `json:"new_owner,omitempty"`
	FactorX       *hexutil.Big `json:"factor_x,omitempty"`
	FactorY       *hexutil.Big `json:"factor_y,omitempty"`
	FactorLabel   string       `json:"factor_label,omitempty"`
}

func (s *Server) handleTimelock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePropose(w, r)
	case http.MethodGet:
		account := r.URL.Query().Get("account")
		actions, err := s.engine.PendingActions(r.Context(), account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, actions)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	payload := timelock.Payload{
		Kind:        timelock.PayloadKind(req.Kind),
		NewOwner:    common.HexToAddress(req.NewOwner),
		FactorX:     (*big.Int)(req.FactorX),
		FactorY:     (*big.Int)(req.FactorY),
		FactorLabel: req.FactorLabel,
	}
	if req.NewPrimaryKey != "" {
		payload.NewPrimaryKey = &credential.PublicKeyHandle{Address: common.HexToAddress(req.NewPrimaryKey)}
	}
	action, err := s.engine.ProposeRotation(r.Context(), req.Account, req.caller(), payload, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, action)
}

type actionRequest struct {
	signedRequest
	ActionID string `json:"action_id"`
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.CancelAction(r.Context(), req.Account, req.caller(), common.HexToHash(req.ActionID), sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"cancelled": true})
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	action, err := s.engine.ExecuteAction(r.Context(), req.Account, req.caller(), common.HexToHash(req.ActionID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, action)
}

type configureRecoveryRequest struct {
	signedRequest
	Guardians     []string `json:"guardians"`
	Threshold     int      `json:"threshold"`
	PeriodSeconds int64    `json:"period_seconds"`
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req configureRecoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sig, err := req.signature()
		if err != nil {
			http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
			return
		}
		cfg := recovery.Config{
			Threshold: req.Threshold,
			Period:    time.Duration(req.PeriodSeconds) * time.Second,
		}
		for _, g := range req.Guardians {
			cfg.Guardians = append(cfg.Guardians, common.HexToAddress(g))
		}
		if err := s.engine.ConfigureRecovery(r.Context(), req.Account, req.caller(), cfg, sig); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"configured": true})
	case http.MethodGet:
		account := r.URL.Query().Get("account")
		if raw := r.URL.Query().Get("nonce"); raw != "" {
			nonce, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "nonce must be a non-negative integer", http.StatusBadRequest)
				return
			}
			request, err := s.engine.RecoveryRequest(r.Context(), account, nonce)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, request)
			return
		}
		state, err := s.engine.RecoveryState(r.Context(), account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, state)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

type guardianRequest struct {
	signedRequest
	Guardian string `json:"guardian"`
	Remove   bool   `json:"remove"`
}

func (s *Server) handleGuardians(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req guardianRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	guardian := common.HexToAddress(req.Guardian)
	if req.Remove {
		err = s.engine.RemoveGuardian(r.Context(), req.Account, req.caller(), guardian, sig)
	} else {
		err = s.engine.AddGuardian(r.Context(), req.Account, req.caller(), guardian, sig)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type thresholdRequest struct {
	signedRequest
	Threshold int `json:"threshold"`
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetRecoveryThreshold(r.Context(), req.Account, req.caller(), req.Threshold, sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"threshold": req.Threshold})
}

type initiateRecoveryRequest struct {
	Account  string       `json:"account"`
	Caller   string       `json:"caller"`
	NewKeyX  *hexutil.Big `json:"new_key_x,omitempty"`
	NewKeyY  *hexutil.Big `json:"new_key_y,omitempty"`
	NewOwner string       `json:"new_owner,omitempty"`
}

func (s *Server) handleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req initiateRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	request, err := s.engine.InitiateRecovery(r.Context(), req.Account, common.HexToAddress(req.Caller),
		(*big.Int)(req.NewKeyX), (*big.Int)(req.NewKeyY), common.HexToAddress(req.NewOwner))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, request)
}

type recoveryNonceRequest struct {
	Account string `json:"account"`
	Caller  string `json:"caller"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handleApproveRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req recoveryNonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	request, err := s.engine.ApproveRecovery(r.Context(), req.Account, common.HexToAddress(req.Caller), req.Nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, request)
}

func (s *Server) handleExecuteRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req recoveryNonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	request, err := s.engine.ExecuteRecovery(r.Context(), req.Account, common.HexToAddress(req.Caller), req.Nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, request)
}

type cancelRecoveryRequest struct {
	signedRequest
	Nonce uint64 `json:"nonce"`
}

func (s *Server) handleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.CancelRecovery(r.Context(), req.Account, req.caller(), req.Nonce, sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"cancelled": true})
}

type installModuleRequest struct {
	signedRequest
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req installModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.InstallModule(r.Context(), req.Account, req.caller(), registry.Kind(req.Kind), req.Config, sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"installed": req.Kind})
}

type uninstallModuleRequest struct {
	signedRequest
	Kind string `json:"kind"`
}

func (s *Server) handleUninstallModule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req uninstallModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.UninstallModule(r.Context(), req.Account, req.caller(), registry.Kind(req.Kind), sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"uninstalled": req.Kind})
}

type hookRequest struct {
	signedRequest
	Name string `json:"name"`
}

func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req hookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sig, err := req.signature()
		if err != nil {
			http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
			return
		}
		if err := s.engine.AddHook(r.Context(), req.Account, req.caller(), req.Name, sig); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"added": req.Name})
	case http.MethodGet:
		account := r.URL.Query().Get("account")
		hooks, err := s.engine.Hooks(r.Context(), account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string][]string{"hooks": hooks})
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRemoveHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := req.signature()
	if err != nil {
		http.Error(w, "signature must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	if err := s.engine.RemoveHook(r.Context(), req.Account, req.caller(), req.Name, sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"removed": req.Name})
}
