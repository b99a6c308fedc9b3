package api

import (
	"net/http"
	"time"

	"ledger-backend/internal/market"
	"ledger-backend/internal/rpc"
)

const (
	defaultListCount     = 20
	defaultActivityLimit = 50
	maxListCount         = 1000
)

// handleCreateMarket handles POST /api/markets
func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req rpc.CreateMarketParams
	if !s.decodeBody(w, r, &req) {
		return
	}

	m, err := s.ledger.CreateMarket(r.Context(), creator, req.Question, req.Description,
		time.Unix(req.ResolutionTime, 0))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rpc.NewMarketView(m))
}

// handleListMarkets handles GET /api/markets?count=N, newest first
func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	count, err := parseLimit(r, "count", defaultListCount, maxListCount)
	if err != nil {
		writeError(w, http.StatusBadRequest, rpc.CodeInvalidParams, err.Error())
		return
	}

	ids := s.ledger.LatestMarkets(count)
	result := make([]rpc.MarketView, 0, len(ids))
	for _, id := range ids {
		m, err := s.ledger.Market(id)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		result = append(result, rpc.NewMarketView(m))
	}

	writeJSON(w, http.StatusOK, result)
}

// handleMarketCount handles GET /api/markets/count
func (s *Server) handleMarketCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpc.CountResult{Count: s.ledger.MarketCount()})
}

// handleGetMarket handles GET /api/markets/{id}
func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}

	m, err := s.ledger.Market(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rpc.NewMarketView(m))
}

// handleGetProbability handles GET /api/markets/{id}/probability
func (s *Server) handleGetProbability(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}

	m, err := s.ledger.Market(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rpc.ProbabilityResult{
		MarketID:       m.ID.Hex(),
		YesProbability: m.YesProbability(),
		NoProbability:  m.NoProbability(),
	})
}

// handleGetPool handles GET /api/markets/{id}/pool
func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}

	pool, err := s.ledger.TotalPool(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	escrow := s.ledger.Vault().Escrow(id)
	writeJSON(w, http.StatusOK, rpc.PoolResult{
		MarketID:     id.Hex(),
		TotalPool:    pool.Dec(),
		TotalPoolEth: rpc.FormatEther(&pool),
		Escrow:       escrow.Dec(),
	})
}

// handleGetActivity handles GET /api/markets/{id}/activity?limit=N
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r, "limit", defaultActivityLimit, maxListCount)
	if err != nil {
		writeError(w, http.StatusBadRequest, rpc.CodeInvalidParams, err.Error())
		return
	}
	if _, err := s.ledger.Market(id); err != nil {
		s.writeLedgerError(w, err)
		return
	}

	var events []market.Event
	if s.events != nil {
		if events, err = s.events.Events(r.Context(), id, limit); err != nil {
			s.writeLedgerError(w, err)
			return
		}
	} else {
		events = s.ledger.History().ForMarket(id, limit)
	}

	result := make([]rpc.EventView, 0, len(events))
	for _, ev := range events {
		result = append(result, rpc.NewEventView(ev))
	}

	writeJSON(w, http.StatusOK, result)
}
