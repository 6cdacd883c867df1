package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/finbase/settleops/internal/domain"
	"github.com/finbase/settleops/internal/settlement"
	"github.com/finbase/settleops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	runsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_runs_accepted_total",
		Help: "Settlement runs accepted for background processing",
	}, []string{"type"})
)

type Handler struct {
	store        *store.Store
	orchestrator *settlement.Orchestrator
}

func NewHandler(s *store.Store, orchestrator *settlement.Orchestrator) *Handler {
	return &Handler{store: s, orchestrator: orchestrator}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSettlementHandler opens a new settlement period. In production the
// scheduler calls this once per day.
func (h *Handler) CreateSettlementHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/settlements", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Code == "" {
		httpRequestsTotal.WithLabelValues("POST", "/settlements", "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Settlement code required")
		return
	}

	st, err := h.store.CreateSettlement(r.Context(), req.Code)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/settlements", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "System error creating settlement")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/settlements", "201").Inc()
	respondWithJSON(w, http.StatusCreated, st)
}

func (h *Handler) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/settlements/{id}")
	if !ok {
		return
	}

	st, err := h.store.GetSettlement(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Settlement not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) GetSettlementHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/settlements/{id}/history")
	if !ok {
		return
	}

	records, err := h.store.ListHistory(r.Context(), id)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}/history", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}/history", "200").Inc()
	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) GetSettlementAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/settlements/{id}/analytics")
	if !ok {
		return
	}

	businessID, err := strconv.ParseInt(r.URL.Query().Get("business"), 10, 64)
	if err != nil || businessID <= 0 {
		httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}/analytics", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Valid business query parameter required")
		return
	}

	analytics, err := h.orchestrator.Aggregator().AggregateSettlementAnalytics(r.Context(), id, businessID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}/analytics", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/settlements/{id}/analytics", "200").Inc()
	respondWithJSON(w, http.StatusOK, analytics)
}

// RunSettlementHandler triggers a full settlement run. The payout work is
// asynchronous: a 202 here only means the run was accepted.
func (h *Handler) RunSettlementHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/settlements/{id}/run"))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, "POST", "/settlements/{id}/run")
	if !ok {
		return
	}

	var req struct {
		ForceRun bool `json:"force_run"`
		AddPast  bool `json:"add_past"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpRequestsTotal.WithLabelValues("POST", "/settlements/{id}/run", "400").Inc()
			respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}

	opts := settlement.RunOptions{ForceRun: req.ForceRun, AddPast: req.AddPast}
	if _, err := h.orchestrator.Run(r.Context(), id, domain.RunFull, opts); err != nil {
		h.respondRunError(w, "/settlements/{id}/run", err)
		return
	}

	runsAccepted.WithLabelValues(string(domain.RunFull)).Inc()
	httpRequestsTotal.WithLabelValues("POST", "/settlements/{id}/run", "202").Inc()
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"message": "Settlement is currently processing, you will be notified when done",
	})
}

// RunBusinessSettlementHandler triggers a run scoped to one business.
func (h *Handler) RunBusinessSettlementHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/settlements/{id}/run/business"))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, "POST", "/settlements/{id}/run/business")
	if !ok {
		return
	}

	var req struct {
		BusinessID int64 `json:"business_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/settlements/{id}/run/business", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	opts := settlement.RunOptions{BusinessID: req.BusinessID}
	if _, err := h.orchestrator.Run(r.Context(), id, domain.RunBusiness, opts); err != nil {
		h.respondRunError(w, "/settlements/{id}/run/business", err)
		return
	}

	runsAccepted.WithLabelValues(string(domain.RunBusiness)).Inc()
	httpRequestsTotal.WithLabelValues("POST", "/settlements/{id}/run/business", "202").Inc()
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"message": "Settlement is currently processing, you will be notified when done",
	})
}

func (h *Handler) respondRunError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, settlement.ErrRunInProgress):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "409").Inc()
		respondWithError(w, http.StatusConflict, "Settlement is currently running")
	case errors.Is(err, settlement.ErrSettlementCompleted):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Settlement has already been completed")
	case errors.Is(err, settlement.ErrInsufficientBalance):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Insufficient funding wallet balance")
	case errors.Is(err, settlement.ErrNothingToSettle):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Cannot settle a zero amount")
	case errors.Is(err, settlement.ErrBusinessAlreadySettled):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Business has already been settled")
	case errors.Is(err, settlement.ErrBusinessRequired):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Business id is required")
	case errors.Is(err, store.ErrNotFound):
		httpRequestsTotal.WithLabelValues("POST", endpoint, "404").Inc()
		respondWithError(w, http.StatusNotFound, "Settlement not found")
	default:
		httpRequestsTotal.WithLabelValues("POST", endpoint, "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		httpRequestsTotal.WithLabelValues(method, endpoint, "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Invalid settlement id")
		return 0, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
