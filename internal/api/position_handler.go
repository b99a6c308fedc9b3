package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"ledger-backend/internal/market"
	"ledger-backend/internal/rpc"
)

// BuySharesRequest is the body of POST /api/markets/{id}/buy
type BuySharesRequest struct {
	IsYes  bool   `json:"isYes"`
	Amount string `json:"amount" validate:"required,number"` // wei
}

// handleGetPosition handles GET /api/markets/{id}/positions/{account}
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}

	raw := r.PathValue("account")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, rpc.CodeInvalidParams, "account must be an address")
		return
	}

	view, err := rpc.PositionOf(s.ledger, id, common.HexToAddress(raw))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleBuyShares handles POST /api/markets/{id}/buy
func (s *Server) handleBuyShares(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	account, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req BuySharesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	amount, err := rpc.ParseAmount(req.Amount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	if _, err := s.ledger.BuyShares(r.Context(), id, account, market.SideOf(req.IsYes), amount); err != nil {
		s.writeLedgerError(w, err)
		return
	}

	view, err := rpc.PositionOf(s.ledger, id, account)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}
