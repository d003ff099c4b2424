// Package api exposes the voting service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"zapps-voting/models"
	"zapps-voting/service"
)

type Server struct {
	service  *service.VotingService
	validate *validator.Validate
	router   chi.Router
	http     *http.Server
	log      logrus.FieldLogger
}

type SubmitVoteRequest struct {
	Rating     uint32 `json:"rating"`
	PrivateKey string `json:"private_key" validate:"required,hexadecimal"`
}

type SubmitVoteResponse struct {
	JobID    string `json:"job_id"`
	TargetID string `json:"target_id"`
}

type DecryptResponse struct {
	TargetID  string `json:"target_id"`
	Requested bool   `json:"requested"`
	TxHash    string `json:"tx_hash,omitempty"`
}

type HashResponse struct {
	TargetID string `json:"target_id"`
	Hash     string `json:"hash"`
}

type PendingResponse struct {
	TargetID string `json:"target_id"`
	Pending  bool   `json:"pending"`
}

func NewServer(vs *service.VotingService, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		service:  vs,
		validate: validator.New(),
		log:      logger.WithField("component", "api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.service.Metrics().Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/targets", s.handleListTargets)
		api.Route("/targets/{id}", func(t chi.Router) {
			t.Get("/rating", s.handleFetchRating)
			t.Get("/display", s.handleDisplayRating)
			t.Get("/pending", s.handlePending)
			t.Post("/sync", s.handleSync)
			t.Post("/votes", s.handleSubmitVote)
			t.Delete("/cache", s.handleClearCache)
		})
		api.Delete("/cache", s.handleClearCache)
		api.Get("/votes/{job}", s.handleJobStatus)
		api.Get("/analytics", s.handleAnalytics)
		api.Get("/relayer", s.handleRelayerState)
		api.Get("/relayer/logs", s.handleRelayerLogs)
		api.Post("/relayer/targets/{id}/decrypt", s.handleCheckAndDecrypt)
		api.Get("/hash/{id}", s.handleHash)
		api.Get("/blockchain", s.handleGetBlockchain)
		api.Get("/metrics", s.handleMetricsSummary)
		api.Delete("/metrics", s.handleMetricsReset)
	})
	return r
}

// Mount attaches an extra handler, such as the development gateway.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("HTTP server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"relayer": s.service.RelayerState().Available,
	})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	ids, err := s.service.ListTargets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleFetchRating(w http.ResponseWriter, r *http.Request) {
	rating, err := s.service.FetchRating(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *Server) handleDisplayRating(w http.ResponseWriter, r *http.Request) {
	rating, err := s.service.DisplayRating(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pending, err := s.service.HasPendingDecryption(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingResponse{TargetID: id, Pending: pending})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rating, err := s.service.DecryptAndFetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req SubmitVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	job, err := s.service.SubmitVote(id, req.PrivateKey, req.Rating)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitVoteResponse{JobID: job, TargetID: id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.JobStatus(chi.URLParam(r, "job"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if id := chi.URLParam(r, "id"); id != "" {
		ids = append(ids, id)
	}
	if err := s.service.ClearCache(r.Context(), ids...); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.FetchAnalytics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRelayerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.RelayerState())
}

func (s *Server) handleRelayerLogs(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}
	entries := s.service.RelayerLogs(since)
	if entries == nil {
		entries = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCheckAndDecrypt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tx, requested, err := s.service.CheckAndDecrypt(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := DecryptResponse{TargetID: id, Requested: requested}
	if requested {
		resp.TxHash = tx.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, HashResponse{TargetID: id, Hash: s.service.TargetHash(id).Hex()})
}

func (s *Server) handleGetBlockchain(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.service.GetLedger()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Metrics().GetMetrics())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.service.Metrics().Reset()
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		walletErr *models.WalletError
		readErr   *models.ChainReadError
	)
	switch {
	case errors.Is(err, models.ErrInvalidRating):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrVoteLimitReached), errors.Is(err, models.ErrWorkflowBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound), errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRelayerUnavailable), errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &walletErr):
		return http.StatusBadRequest
	case errors.As(err, &readErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
