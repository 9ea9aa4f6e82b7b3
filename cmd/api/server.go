package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/BhaskarPeruri/EthAssert/assertion"
	"github.com/BhaskarPeruri/EthAssert/guard"
	"github.com/BhaskarPeruri/EthAssert/identity"
	"github.com/BhaskarPeruri/EthAssert/oracle"
	"github.com/BhaskarPeruri/EthAssert/treasury"
)

type ctxKey string

const (
	ctxKeyAddress ctxKey = "address"
	ctxKeyRole    ctxKey = "role"
)

type engineService interface {
	Create(ctx context.Context, params assertion.CreateParams) (oracle.ID, error)
	Dispute(ctx context.Context, caller string, id oracle.ID, value *big.Int) error
	Settle(ctx context.Context, id oracle.ID) error
	Get(ctx context.Context, id oracle.ID) (assertion.Record, error)
}

type treasuryService interface {
	Withdraw(ctx context.Context, caller string, amount *big.Int) error
	Balance(ctx context.Context, party string) (*big.Int, error)
}

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.Account, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, identity.Role, error)
}

type resolver interface {
	Resolve(ctx context.Context, id oracle.ID, truthful bool) error
}

// Server exposes the assertion market over HTTP. Attached payments arrive as
// decimal base-unit strings in request bodies; the authenticated token
// address is the caller identity recorded by the engine.
type Server struct {
	engine          engineService
	treasuryService treasuryService
	identityService identityService
	resolver        resolver
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/assertions", s.authenticated(s.handleCreateAssertion))
	mux.HandleFunc("/api/assertions/", s.handleAssertionDetail)
	mux.HandleFunc("/api/treasury/withdraw", s.authenticated(s.handleWithdraw))
	mux.HandleFunc("/api/treasury/balance", s.handleBalance)
	return mux
}

// authenticated resolves the bearer token to a participant address before
// invoking next.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		address, role, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAddress, address)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	account, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrDuplicateAccount):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      account.ID,
		"address": account.Address,
		"role":    string(account.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   result.Token,
		"address": result.Account.Address,
	})
}

type createAssertionRequest struct {
	Claim    string `json:"claim"`
	Liveness int64  `json:"livenessSeconds"`
	ClaimID  string `json:"claimId"`
	Bond     string `json:"bond,omitempty"`
	Value    string `json:"value"`
}

func (s *Server) handleCreateAssertion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createAssertionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	value, ok := parseAmount(req.Value)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed value")
		return
	}
	var bond *big.Int
	if req.Bond != "" {
		if bond, ok = parseAmount(req.Bond); !ok {
			writeError(w, http.StatusBadRequest, "malformed bond")
			return
		}
	}

	caller, _ := r.Context().Value(ctxKeyAddress).(string)
	id, err := s.engine.Create(r.Context(), assertion.CreateParams{
		Caller:   caller,
		Claim:    []byte(req.Claim),
		Liveness: req.Liveness,
		ClaimID:  req.ClaimID,
		Bond:     bond,
		Value:    value,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"assertionId": string(id)})
}

func (s *Server) handleAssertionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/assertions/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "missing assertion id")
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetAssertion(w, r, oracle.ID(id))
	case action == "dispute" && r.Method == http.MethodPost:
		s.authenticated(func(w http.ResponseWriter, r *http.Request) {
			s.handleDispute(w, r, oracle.ID(id))
		})(w, r)
	case action == "settle" && r.Method == http.MethodPost:
		// Settlement is permissionless.
		s.handleSettle(w, r, oracle.ID(id))
	case action == "resolve" && r.Method == http.MethodPost:
		s.authenticated(func(w http.ResponseWriter, r *http.Request) {
			s.handleResolve(w, r, oracle.ID(id))
		})(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type assertionResponse struct {
	ID        string `json:"id"`
	Asserter  string `json:"asserter"`
	Disputer  string `json:"disputer,omitempty"`
	Bond      string `json:"bond"`
	Stake     string `json:"stake"`
	Resolved  bool   `json:"resolved"`
	Truthful  bool   `json:"truthful"`
	Settled   bool   `json:"settled"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleGetAssertion(w http.ResponseWriter, r *http.Request, id oracle.ID) {
	rec, err := s.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !rec.Known() {
		writeError(w, http.StatusNotFound, "unknown assertion")
		return
	}
	writeJSON(w, http.StatusOK, assertionResponse{
		ID:        string(rec.ID),
		Asserter:  rec.Asserter,
		Disputer:  rec.Disputer,
		Bond:      rec.Bond.String(),
		Stake:     rec.Stake.String(),
		Resolved:  rec.Resolved,
		Truthful:  rec.Truthful,
		Settled:   rec.Settled,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, id oracle.ID) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	value, ok := parseAmount(req.Value)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed value")
		return
	}
	caller, _ := r.Context().Value(ctxKeyAddress).(string)
	if err := s.engine.Dispute(r.Context(), caller, id, value); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, id oracle.ID) {
	if err := s.engine.Settle(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResolve drives the simulated resolution service in local mode.
// Operator role only; a deployment against a real oracle has no such route.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, id oracle.ID) {
	role, _ := r.Context().Value(ctxKeyRole).(identity.Role)
	if role != identity.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusNotFound, "no local resolver configured")
		return
	}
	var req struct {
		Truthful bool `json:"truthful"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.resolver.Resolve(r.Context(), id, req.Truthful); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed amount")
		return
	}
	caller, _ := r.Context().Value(ctxKeyAddress).(string)
	if err := s.treasuryService.Withdraw(r.Context(), caller, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	party := r.URL.Query().Get("party")
	if party == "" {
		writeError(w, http.StatusBadRequest, "missing party")
		return
	}
	balance, err := s.treasuryService.Balance(r.Context(), party)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"party": party, "balance": balance.String()})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assertion.ErrUnknownAssertion):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, assertion.ErrInvalidValue),
		errors.Is(err, assertion.ErrMinimumBondZero):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, assertion.ErrAlreadyDisputed),
		errors.Is(err, assertion.ErrAlreadyResolved),
		errors.Is(err, assertion.ErrAlreadySettled),
		errors.Is(err, assertion.ErrNotResolved),
		errors.Is(err, oracle.ErrAlreadyResolved),
		errors.Is(err, oracle.ErrAlreadyDisputed),
		errors.Is(err, guard.ErrReentrantCall):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, assertion.ErrNotOracle),
		errors.Is(err, treasury.ErrNotAuthority):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, treasury.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, oracle.ErrUnknownID):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, treasury.ErrTransferRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseAmount accepts positive decimal base-unit strings. Every entry point
// taking an amount requires it to be positive, so zero and negatives are
// rejected here with a 400 rather than deep in the engine.
func parseAmount(text string) (*big.Int, bool) {
	if text == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(text, 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}
