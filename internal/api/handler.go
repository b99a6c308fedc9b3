package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ledger-backend/internal/auth"
	"ledger-backend/internal/config"
	"ledger-backend/internal/market"
	"ledger-backend/internal/rpc"
)

// Server holds all dependencies for the HTTP server
type Server struct {
	cfg      *config.Config
	ledger   *market.Ledger
	rpc      *rpc.Dispatcher
	verifier *auth.Verifier
	validate *validator.Validate
	logger   *zap.Logger
	wsHub    *Hub
	events   EventSource
}

// EventSource serves market activity beyond the in-memory history
type EventSource interface {
	Events(ctx context.Context, id common.Address, limit int) ([]market.Event, error)
}

// NewServer creates a new API server and subscribes its WebSocket hub to
// ledger events.
func NewServer(cfg *config.Config, ledger *market.Ledger, logger *zap.Logger) *Server {
	validate := validator.New(validator.WithRequiredStructEnabled())
	logger = logger.With(zap.String("component", "api"))

	s := &Server{
		cfg:      cfg,
		ledger:   ledger,
		rpc:      rpc.NewDispatcher(ledger, validate),
		verifier: auth.NewVerifier(cfg.Auth.Required, cfg.Auth.MaxSkew.Duration),
		validate: validate,
		logger:   logger,
		wsHub:    NewHub(logger),
	}

	ledger.Subscribe(s.broadcastEvent)

	return s
}

// SetEventSource makes the activity endpoint read from a durable store
func (s *Server) SetEventSource(src EventSource) {
	s.events = src
}

// RegisterRoutes registers all HTTP routes
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Market endpoints
	mux.HandleFunc("GET /api/markets", s.handleListMarkets)
	mux.HandleFunc("GET /api/markets/count", s.handleMarketCount)
	mux.HandleFunc("POST /api/markets", s.handleCreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", s.handleGetMarket)
	mux.HandleFunc("GET /api/markets/{id}/probability", s.handleGetProbability)
	mux.HandleFunc("GET /api/markets/{id}/pool", s.handleGetPool)
	mux.HandleFunc("GET /api/markets/{id}/activity", s.handleGetActivity)

	// Position endpoints
	mux.HandleFunc("GET /api/markets/{id}/positions/{account}", s.handleGetPosition)
	mux.HandleFunc("POST /api/markets/{id}/buy", s.handleBuyShares)

	// Settlement endpoints
	mux.HandleFunc("POST /api/markets/{id}/resolve", s.handleResolveMarket)
	mux.HandleFunc("POST /api/markets/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /api/markets/{id}/cancel", s.handleCancelMarket)

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns the routed handler wrapped in CORS and request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.loggingMiddleware(corsMiddleware(s.cfg.Server.CORSOrigins, mux))
}

// Run serves HTTP until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) broadcastEvent(ev market.Event) {
	note, err := rpc.NewNotification(rpc.MethodEvent, rpc.NewEventView(ev))
	if err != nil {
		s.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	s.wsHub.Broadcast(note)
}

// handleHealth is the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"markets":       s.ledger.MarketCount(),
		"ws_clients":    s.wsHub.ClientCount(),
		"vault_version": s.ledger.Vault().Version(),
	})
}

// caller returns the account proven by the request's auth headers
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	account, err := s.verifier.Account(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, rpc.CodeUnauthorized, err.Error())
		return common.Address{}, false
	}
	return account, true
}

// marketID parses the {id} path value
func marketID(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("id")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, rpc.CodeInvalidParams, "market id must be an address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// decodeBody decodes and validates a JSON request body. An empty body
// decodes as {}.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, auth.MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, rpc.CodeParse, "invalid request body")
		return false
	}
	if err := rpc.Validate(s.validate, dst); err != nil {
		s.writeLedgerError(w, err)
		return false
	}
	return true
}

// statusFor maps ledger errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidOutcome),
		errors.Is(err, market.ErrInvalidMarket):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrNotYetDue),
		errors.Is(err, market.ErrNothingToClaim),
		errors.Is(err, market.ErrStaleWrite):
		return http.StatusConflict
	}
	if rpc.ErrorCode(err) == rpc.CodeInvalidParams {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	rpcErr := rpc.ToRPCError(err)
	writeJSON(w, status, ErrorResponse{Error: rpcErr.Message, Code: rpcErr.Code})
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers for the allowed origins
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Authorization",
			auth.HeaderAccount, auth.HeaderTimestamp, auth.HeaderNonce, auth.HeaderSignature,
		}, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs every request with its status and duration
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// parseLimit reads a bounded positive integer query parameter
func parseLimit(r *http.Request, key string, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return min(n, ceiling), nil
}
