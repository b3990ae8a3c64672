package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"escrowflow/arbiter"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/oracle"
	"escrowflow/protocol"
)

// Funder credits ledger accounts on operator request. Only development
// ledgers provide one.
type Funder interface {
	Fund(ctx context.Context, account ledger.Account, asset string, amount uint64) error
}

type Server struct {
	protocol *protocol.Service
	auth     *auth.Service
	funder   Funder
	log      *zap.SugaredLogger
}

func NewServer(p *protocol.Service, a *auth.Service, f Funder, log *zap.SugaredLogger) *Server {
	return &Server{protocol: p, auth: a, funder: f, log: log}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/stats", s.handleStats)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/escrows", s.handleCreateEscrow)
			r.Get("/escrows/{id}", s.handleEscrow)
			r.Post("/escrows/{id}/release", s.handleRelease)
			r.Post("/escrows/{id}/expire", s.handleExpire)
			r.Post("/escrows/{id}/cancel", s.handleCancel)
			r.Post("/escrows/{id}/disputes", s.handleOpenDispute)
			r.Get("/escrows/{id}/disputes", s.handleRounds)

			r.Get("/disputes/{id}", s.handleDispute)
			r.Post("/disputes/{id}/resolve", s.handleResolve)
			r.Post("/disputes/{id}/appeal", s.handleAppeal)
			r.Post("/disputes/{id}/finalize", s.handleFinalize)

			r.Post("/arbiters", s.handleRegisterArbiter)
			r.Get("/arbiters", s.handleArbiters)
			r.Get("/arbiters/{id}", s.handleArbiter)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleAdmin))
				r.Post("/arbiters/{id}/deactivate", s.handleDeactivate)
				r.Post("/arbiters/{id}/reactivate", s.handleReactivate)
				r.Post("/disputes/{id}/reassign", s.handleReassign)
				r.Post("/admin/pause", s.handlePause)
				r.Post("/admin/unpause", s.handleUnpause)
				r.Post("/admin/fund", s.handleFund)
			})
		})
	})
	return r
}

type ctxKey int

const ctxKeyCaller ctxKey = iota

type caller struct {
	ID   string
	Role auth.Role
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(ctxKeyCaller).(caller)
	return c
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		id, role, err := s.auth.VerifyToken(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyCaller, caller{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if callerFrom(r.Context()).Role != role {
				writeError(w, http.StatusForbidden, string(protocol.KindAuthorization), "requires role "+string(role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorw("panic recovered", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, string(protocol.KindInternal), "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debugw("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

var statusByKind = map[protocol.Kind]int{
	protocol.KindValidation:    http.StatusBadRequest,
	protocol.KindAuthorization: http.StatusForbidden,
	protocol.KindNotFound:      http.StatusNotFound,
	protocol.KindState:         http.StatusConflict,
	protocol.KindSettlement:    http.StatusBadGateway,
	protocol.KindInternal:      http.StatusInternalServerError,
}

// writeProtocolError maps a protocol error to its status code. Internal
// errors are logged and hidden from the caller.
func (s *Server) writeProtocolError(w http.ResponseWriter, r *http.Request, err error) {
	kind := protocol.KindOf(err)
	msg := err.Error()
	if kind == protocol.KindInternal {
		s.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeError(w, statusByKind[kind], string(kind), msg)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(protocol.KindValidation), "invalid request body")
		return false
	}
	return true
}

// Auth.

type registerPayload struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	Role   string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerPayload
	if !decode(w, r, &req) {
		return
	}
	p, err := s.auth.Register(r.Context(), auth.RegisterRequest{ID: req.ID, Secret: req.Secret, Role: auth.Role(req.Role)})
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID, "role": string(p.Role)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      res.Token,
		"role":       string(res.Principal.Role),
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, auth.ErrDuplicatePrincipal):
		writeError(w, http.StatusConflict, string(protocol.KindState), err.Error())
	case errors.Is(err, auth.ErrWeakSecret), errors.Is(err, auth.ErrInvalidRole), errors.Is(err, auth.ErrMissingID):
		writeError(w, http.StatusBadRequest, string(protocol.KindValidation), err.Error())
	default:
		s.log.Errorw("auth failed", "error", err)
		writeError(w, http.StatusInternalServerError, string(protocol.KindInternal), "internal server error")
	}
}

// Escrows.

type createEscrowPayload struct {
	Seller        string     `json:"seller"`
	Amount        uint64     `json:"amount"`
	Asset         string     `json:"asset"`
	Description   string     `json:"description"`
	AutoReleaseAt *time.Time `json:"auto_release_at"`
}

type escrowResponse struct {
	ID            string            `json:"id"`
	Seq           uint64            `json:"seq"`
	Buyer         string            `json:"buyer"`
	Seller        string            `json:"seller"`
	Amount        uint64            `json:"amount"`
	Asset         string            `json:"asset"`
	Description   string            `json:"description"`
	Status        escrow.Status     `json:"status"`
	IsDisputed    bool              `json:"is_disputed"`
	BuyerCancel   bool              `json:"buyer_cancel"`
	SellerCancel  bool              `json:"seller_cancel"`
	CreatedAt     string            `json:"created_at"`
	AutoReleaseAt string            `json:"auto_release_at,omitempty"`
	CompletedAt   string            `json:"completed_at,omitempty"`
	Valuation     *oracle.Valuation `json:"valuation,omitempty"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func newEscrowResponse(e escrow.Escrow) escrowResponse {
	return escrowResponse{
		ID: e.ID, Seq: e.Seq, Buyer: e.Buyer, Seller: e.Seller, Amount: e.Amount, Asset: e.Asset,
		Description: e.Description, Status: e.Status, IsDisputed: e.IsDisputed,
		BuyerCancel: e.BuyerCancel, SellerCancel: e.SellerCancel,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
		AutoReleaseAt: formatTime(e.AutoReleaseAt),
		CompletedAt:   formatTime(e.CompletedAt),
	}
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowPayload
	if !decode(w, r, &req) {
		return
	}
	e, err := s.protocol.CreateEscrow(r.Context(), escrow.CreateParams{
		Buyer:         callerFrom(r.Context()).ID,
		Seller:        req.Seller,
		Amount:        req.Amount,
		Asset:         req.Asset,
		Description:   req.Description,
		AutoReleaseAt: req.AutoReleaseAt,
	})
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowResponse(e))
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.protocol.Escrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	resp := newEscrowResponse(e)
	v, err := s.protocol.Valuation(r.Context(), e.ID)
	switch {
	case err == nil:
		resp.Valuation = &v
	case errors.Is(err, protocol.ErrNoOracle), errors.Is(err, oracle.ErrUnknownAsset):
	default:
		s.log.Warnw("valuation failed", "escrow_id", e.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) escrowAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, caller string) (escrow.Escrow, error)) {
	e, err := op(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).ID)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(e))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.escrowAction(w, r, s.protocol.ReleaseEscrow)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	s.escrowAction(w, r, func(ctx context.Context, id, _ string) (escrow.Escrow, error) {
		return s.protocol.ExpireEscrow(ctx, id)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.escrowAction(w, r, s.protocol.ApproveCancel)
}

// Disputes.

type roundResponse struct {
	ID           string         `json:"id"`
	EscrowID     string         `json:"escrow_id"`
	Round        int            `json:"round"`
	Opener       string         `json:"opener"`
	OpenerRole   escrow.Role    `json:"opener_role"`
	Reason       string         `json:"reason"`
	Status       dispute.Status `json:"status"`
	Arbiter      string         `json:"arbiter"`
	Seed         string         `json:"seed"`
	Decision     dispute.Kind   `json:"decision,omitempty"`
	BuyerPercent *int           `json:"buyer_percent,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	CreatedAt    string         `json:"created_at"`
	ResolvedAt   string         `json:"resolved_at,omitempty"`
	AppealedBy   string         `json:"appealed_by,omitempty"`
	AppealedAt   string         `json:"appealed_at,omitempty"`
	SettledAt    string         `json:"settled_at,omitempty"`
}

func newRoundResponse(rd dispute.Round) roundResponse {
	kind, pct := dispute.Encode(rd.Decision)
	return roundResponse{
		ID: rd.ID, EscrowID: rd.EscrowID, Round: rd.Number, Opener: rd.Opener, OpenerRole: rd.OpenerRole,
		Reason: rd.Reason, Status: rd.Status, Arbiter: rd.Arbiter, Seed: hex.EncodeToString(rd.Seed),
		Decision: kind, BuyerPercent: pct, Reasoning: rd.Reasoning,
		CreatedAt:  rd.CreatedAt.UTC().Format(time.RFC3339),
		ResolvedAt: formatTime(rd.ResolvedAt),
		AppealedBy: rd.AppealedBy,
		AppealedAt: formatTime(rd.AppealedAt),
		SettledAt:  formatTime(rd.SettledAt),
	}
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	rd, err := s.protocol.OpenDispute(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).ID, req.Reason)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRoundResponse(rd))
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	chain, err := s.protocol.Rounds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	out := make([]roundResponse, 0, len(chain))
	for _, rd := range chain {
		out = append(out, newRoundResponse(rd))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	rd, err := s.protocol.Dispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundResponse(rd))
}

type resolvePayload struct {
	Decision     dispute.Kind `json:"decision"`
	BuyerPercent *int         `json:"buyer_percent"`
	Reasoning    string       `json:"reasoning"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolvePayload
	if !decode(w, r, &req) {
		return
	}
	d, err := dispute.Decode(req.Decision, req.BuyerPercent)
	if err == nil && d == nil {
		err = dispute.ErrInvalidDecision
	}
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	rd, err := s.protocol.ResolveDispute(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).ID, d, req.Reasoning)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundResponse(rd))
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	rd, err := s.protocol.AppealDispute(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).ID)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRoundResponse(rd))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	e, err := s.protocol.FinalizeDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(e))
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	rd, err := s.protocol.ReassignDispute(r.Context(), callerFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundResponse(rd))
}

// Arbiters.

type arbiterResponse struct {
	ID              string `json:"id"`
	Stake           uint64 `json:"stake"`
	Reputation      int64  `json:"reputation"`
	CasesResolved   uint64 `json:"cases_resolved"`
	OpenAssignments int64  `json:"open_assignments"`
	IsActive        bool   `json:"is_active"`
	JoinedAt        string `json:"joined_at"`
	LastResolvedAt  string `json:"last_resolved_at,omitempty"`
}

func newArbiterResponse(a arbiter.Arbiter) arbiterResponse {
	return arbiterResponse{
		ID: a.ID, Stake: a.Stake, Reputation: a.Reputation, CasesResolved: a.CasesResolved,
		OpenAssignments: a.OpenAssignments, IsActive: a.IsActive,
		JoinedAt:       a.JoinedAt.UTC().Format(time.RFC3339),
		LastResolvedAt: formatTime(a.LastResolvedAt),
	}
}

func (s *Server) handleRegisterArbiter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stake uint64 `json:"stake"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.protocol.RegisterArbiter(r.Context(), callerFrom(r.Context()).ID, req.Stake)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newArbiterResponse(a))
}

func (s *Server) handleArbiters(w http.ResponseWriter, r *http.Request) {
	list, err := s.protocol.Arbiters(r.Context())
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	out := make([]arbiterResponse, 0, len(list))
	for _, a := range list {
		out = append(out, newArbiterResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleArbiter(w http.ResponseWriter, r *http.Request) {
	a, err := s.protocol.Arbiter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newArbiterResponse(a))
}

func (s *Server) arbiterAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller, id string) (arbiter.Arbiter, error)) {
	a, err := op(r.Context(), callerFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newArbiterResponse(a))
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.arbiterAction(w, r, s.protocol.DeactivateArbiter)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.arbiterAction(w, r, s.protocol.ReactivateArbiter)
}

// Admin.

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.protocol.Pause(r.Context(), callerFrom(r.Context()).ID); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.protocol.Unpause(r.Context(), callerFrom(r.Context()).ID); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type fundPayload struct {
	Party  string `json:"party"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	if s.funder == nil {
		writeError(w, http.StatusNotFound, string(protocol.KindNotFound), "ledger funding disabled")
		return
	}
	var req fundPayload
	if !decode(w, r, &req) {
		return
	}
	if req.Party == "" || req.Asset == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, string(protocol.KindValidation), "party, asset and amount are required")
		return
	}
	if err := s.funder.Fund(r.Context(), ledger.Party(req.Party), req.Asset, req.Amount); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	s.log.Infow("ledger funded", "party", req.Party, "asset", req.Asset, "amount", req.Amount, "by", callerFrom(r.Context()).ID)
	writeJSON(w, http.StatusOK, req)
}

type statsResponse struct {
	Escrows  uint64 `json:"escrows"`
	Disputes uint64 `json:"disputes"`
	Arbiters uint64 `json:"arbiters"`
	Paused   bool   `json:"paused"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.protocol.Stats(r.Context())
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse(st))
}
