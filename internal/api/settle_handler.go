package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"ledger-backend/internal/market"
	"ledger-backend/internal/rpc"
)

// ResolveRequest is the body of POST /api/markets/{id}/resolve
type ResolveRequest struct {
	Outcome string `json:"outcome" validate:"required"` // YES, NO or INVALID
}

// CancelRequest is the body of POST /api/markets/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// handleResolveMarket handles POST /api/markets/{id}/resolve
func (s *Server) handleResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	outcome, err := market.ParseOutcome(req.Outcome)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	m, err := s.ledger.Resolve(r.Context(), id, caller, outcome)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rpc.NewMarketView(m))
}

// handleClaim handles POST /api/markets/{id}/claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	account, ok := s.caller(w, r)
	if !ok {
		return
	}

	payout, err := s.ledger.Claim(r.Context(), id, account)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rpc.ClaimResult{
		MarketID:  id.Hex(),
		Account:   account.Hex(),
		Payout:    payout.Dec(),
		PayoutEth: rpc.FormatEther(&payout),
	})
}

// handleCancelMarket handles POST /api/markets/{id}/cancel. Only the admin
// token may cancel; with no token configured cancellation is disabled.
func (s *Server) handleCancelMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	if !s.isAdmin(r) {
		writeError(w, http.StatusForbidden, rpc.CodeUnauthorized, "admin token required")
		return
	}

	var req CancelRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	m, err := s.ledger.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.logger.Info("market cancelled by admin", zap.String("market", id.Hex()), zap.String("reason", req.Reason))

	writeJSON(w, http.StatusOK, rpc.NewMarketView(m))
}

func (s *Server) isAdmin(r *http.Request) bool {
	want := s.cfg.Auth.AdminToken
	if want == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
