// Package rest exposes the billing pipeline over HTTP/JSON.
//
// Endpoints:
//
//	POST /v1/charge                 - meter and charge one request
//	GET  /v1/wallets/:account_id    - read a wallet
//	POST /v1/wallets/credit         - top up a wallet
//	POST /v1/wallets/block          - freeze or unfreeze a wallet
//	GET  /v1/models/resolve         - resolve a model name against the catalog
//	GET  /v1/usage/:user_id         - list a user's usage rows
//	GET  /health                    - liveness check
//	GET  /ready                     - readiness check
//	GET  /metrics                   - Prometheus metrics
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/forgelabs/crucible/internal/billing"
	"github.com/forgelabs/crucible/internal/catalog"
	"github.com/forgelabs/crucible/internal/pricing"
	"github.com/forgelabs/crucible/internal/usage"
	"github.com/forgelabs/crucible/internal/wallet"
)

// Handler serves the REST API.
type Handler struct {
	orchestrator *billing.Orchestrator
	ledger       *wallet.Ledger
	loader       *catalog.Loader
	recorder     *usage.Recorder
	ready        func() error
	log          zerolog.Logger
}

// NewHandler creates a Handler. ready is consulted by the readiness
// endpoint; nil means always ready.
func NewHandler(orchestrator *billing.Orchestrator, ledger *wallet.Ledger, loader *catalog.Loader, recorder *usage.Recorder, ready func() error, logger zerolog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		ledger:       ledger,
		loader:       loader,
		recorder:     recorder,
		ready:        ready,
		log:          logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/charge", h.handleCharge)
	mux.HandleFunc("/v1/wallets/credit", h.handleCredit)
	mux.HandleFunc("/v1/wallets/block", h.handleBlock)
	mux.HandleFunc("/v1/wallets/", h.handleWallet)
	mux.HandleFunc("/v1/models/resolve", h.handleResolveModel)
	mux.HandleFunc("/v1/usage/", h.handleUsage)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleCharge handles POST /v1/charge.
func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req billing.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if req.AccountID == 0 {
		req.AccountID = req.UserID
	}

	result, err := h.orchestrator.Charge(r.Context(), req)
	if err != nil {
		h.writeChargeError(w, result, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// handleWallet handles GET /v1/wallets/:account_id.
func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	accountID, ok := h.pathID(w, r.URL.Path, "/v1/wallets/")
	if !ok {
		return
	}

	wlt, err := h.ledger.Get(r.Context(), accountID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wlt)
}

type creditRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// handleCredit handles POST /v1/wallets/credit. The wallet is created
// on first credit.
func (h *Handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.AccountID == 0 {
		h.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	if _, err := h.ledger.Ensure(r.Context(), req.AccountID, req.Currency); err != nil {
		h.writeDomainError(w, err)
		return
	}
	wlt, err := h.ledger.Credit(r.Context(), req.AccountID, req.Amount, req.Currency)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wlt)
}

type blockRequest struct {
	AccountID int64 `json:"account_id"`
	Blocked   bool  `json:"blocked"`
}

// handleBlock handles POST /v1/wallets/block.
func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.ledger.SetBlocked(r.Context(), req.AccountID, req.Blocked); err != nil {
		h.writeDomainError(w, err)
		return
	}
	wlt, err := h.ledger.Get(r.Context(), req.AccountID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wlt)
}

// handleResolveModel handles GET /v1/models/resolve?model=NAME.
func (h *Handler) handleResolveModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		h.writeError(w, http.StatusBadRequest, "model query parameter is required")
		return
	}

	match, err := h.loader.Resolve(model)
	if err != nil {
		candidates := h.loader.FindAllMatches(model, 5)
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      err.Error(),
			"candidates": candidates,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, match)
}

// handleUsage handles GET /v1/usage/:user_id?since=RFC3339&limit=N.
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := h.pathID(w, r.URL.Path, "/v1/usage/")
	if !ok {
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	records, err := h.recorder.ListByUser(r.Context(), userID, since, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// pathID extracts a numeric trailing path segment.
func (h *Handler) pathID(w http.ResponseWriter, path, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return 0, false
	}
	return id, true
}

// writeChargeError maps a failed charge to an HTTP response carrying
// both the error and the partial result.
func (h *Handler) writeChargeError(w http.ResponseWriter, result *billing.ChargeResult, err error) {
	status := h.statusFor(err)
	h.log.Error().Err(err).Int("status", status).Msg("charge failed")
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": err.Error(),
		},
		"result":    result,
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := h.statusFor(err)
	h.log.Error().Err(err).Int("status", status).Msg("request failed")
	h.writeError(w, status, err.Error())
}

// statusFor maps domain errors to HTTP status codes.
func (h *Handler) statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnresolvedModel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wallet.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, wallet.ErrWalletBlocked):
		return http.StatusForbidden
	case errors.Is(err, wallet.ErrCurrencyMismatch):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrLedgerContention):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrPricingConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, usage.ErrRecordingFailure):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// LoggingMiddleware logs all HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
