// Package handlers exposes the coordinator's request operations over HTTP.
// Every mutating operation returns the updated auction snapshot or a typed
// error mapped to a status code.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/auction"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Handler contains the HTTP request handlers.
type Handler struct {
	coordinator *auction.Coordinator
	logger      *slog.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(coordinator *auction.Coordinator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coordinator: coordinator, logger: logger}
}

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", h.CreateAuction).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}/bids", h.GetBidHistory).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}/bid", h.PlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/end", h.EndAuction).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/compliance", h.RunCompliance).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/escrow/lock", h.LockEscrow).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/settle", h.Settle).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id}/cancel", h.Cancel).Methods(http.MethodPost)

	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auction-coordinator",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateAuction creates an auction for a pepper lot.
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.coordinator.CreateAuction(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

// GetAuction returns the auction snapshot plus the derived escrow-expiry
// flag.
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, expired, err := h.coordinator.GetAuction(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"auction":        a,
		"escrow_expired": expired,
	})
}

// GetBidHistory returns recorded bids, newest first.
func (h *Handler) GetBidHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	bids, err := h.coordinator.BidHistory(r.Context(), id, limit)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bids)
}

// PlaceBid handles bid placement requests.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BidderIdentity == "" {
		respondError(w, http.StatusBadRequest, "bidder identity is required")
		return
	}

	resp, err := h.coordinator.PlaceBid(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// EndAuction closes the bidding window explicitly.
func (h *Handler) EndAuction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, err := h.coordinator.EndAuction(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// RunCompliance re-evaluates and resubmits the compliance verdict.
func (h *Handler) RunCompliance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var evidence models.LotEvidence
	if err := json.NewDecoder(r.Body).Decode(&evidence); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.coordinator.RunCompliance(r.Context(), id, evidence)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// LockEscrow records the winner's deposit.
func (h *Handler) LockEscrow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.LockEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.coordinator.LockEscrow(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// Settle finalizes a won auction.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.coordinator.Settle(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// Cancel applies an explicit cancellation with a closed-enum reason code.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.coordinator.Cancel(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// respondDomainError maps typed domain errors onto HTTP status codes.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case models.IsInvalidTransition(err):
		respondError(w, http.StatusConflict, err.Error())
	case models.IsLedgerSubmission(err):
		// Retryable by the caller with backoff.
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "auction not found")
	default:
		h.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
