// Package api provides HTTP handlers for the audit pipeline admin API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"aegis-audit/internal/domain"
	"aegis-audit/internal/metrics"
	"aegis-audit/internal/middleware"
	"aegis-audit/internal/service/ledger"
	"aegis-audit/internal/service/pipeline"
	"aegis-audit/internal/service/queue"
	"aegis-audit/internal/service/worm"
)

// Handler exposes the ingestion endpoint and the read-only admin surface
// over the ledger, queue, and snapshot store.
type Handler struct {
	pipeline  *pipeline.Service
	sequencer *ledger.Sequencer
	verifier  *ledger.Verifier
	queue     *queue.Queue
	worm      *worm.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required service dependencies.
func NewHandler(
	p *pipeline.Service,
	seq *ledger.Sequencer,
	ver *ledger.Verifier,
	q *queue.Queue,
	wc *worm.Client,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		pipeline:  p,
		sequencer: seq,
		verifier:  ver,
		queue:     q,
		worm:      wc,
		metrics:   m,
		logger:    logger.With("component", "api"),
	}
}

// Routes builds the chi router: public health and metrics endpoints plus the
// rate-limited /v1 API.
func (h *Handler) Routes(rateCfg middleware.RateLimitConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RateLimiter(rateCfg))

		r.Post("/logs", h.submitLog)
		r.Get("/chain/stats", h.chainStats)
		r.Post("/chain/verify", h.verifyChain)
		r.Get("/chain/entries", h.listEntries)
		r.Get("/dead-letters", h.listDeadLetters)
		r.Get("/snapshots", h.listSnapshots)
		r.Get("/snapshots/object", h.getSnapshot)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// A failing next-sequence read means the ledger is unreachable.
	if _, err := h.sequencer.NextSequenceNumber(r.Context()); err != nil {
		h.writeError(w, r, domain.ErrUnavailable(err, "ledger unreachable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submitLog(w http.ResponseWriter, r *http.Request) {
	var job domain.LogJob
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body: %v", err))
		return
	}
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now().UTC()
	}
	if err := job.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.pipeline.Submit(r.Context(), &job); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": job.RequestID,
		"status":    "accepted",
	})
}

func (h *Handler) chainStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sequencer.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) verifyChain(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.verifier.Verify(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !result.Valid {
		h.logger.Error("chain verification failed",
			"checked", result.Checked, "violations", len(result.Errors))
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt64(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt64(r, "offset", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit < 1 || limit > 1000 {
		h.writeError(w, r, domain.ErrValidation("limit must be between 1 and 1000"))
		return
	}

	entries, err := h.sequencer.Entries(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt64(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobs, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	type deadLetter struct {
		ID        string        `json:"id"`
		Job       domain.LogJob `json:"job"`
		Attempts  int           `json:"attempts"`
		LastError string        `json:"lastError"`
		CreatedAt time.Time     `json:"createdAt"`
		UpdatedAt time.Time     `json:"updatedAt"`
	}
	out := make([]deadLetter, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, deadLetter{
			ID:        j.ID,
			Job:       j.Job,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"deadLetters": out,
		"count":       len(out),
	})
}

func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	dayParam := r.URL.Query().Get("day")
	day := time.Now().UTC()
	if dayParam != "" {
		parsed, err := time.Parse("2006-01-02", dayParam)
		if err != nil {
			h.writeError(w, r, domain.ErrValidation("day must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}
	limit, err := queryInt64(r, "limit", 1000)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit < 1 || limit > 1000 {
		h.writeError(w, r, domain.ErrValidation("limit must be between 1 and 1000"))
		return
	}

	keys, err := h.worm.ListDay(r.Context(), day, int32(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, r, domain.ErrValidation("key query parameter is required"))
		return
	}
	data, err := h.worm.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// --- helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"request_id", middleware.RequestIDFromContext(r.Context()),
			"path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]any{
		"code":    status,
		"message": err.Error(),
	})
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.ErrValidation("%s must be a non-negative integer", name)
	}
	return n, nil
}
