// Package ops mounts the operational HTTP surface each service exposes next
// to its Prometheus metrics: health probes and dead-letter administration.
package ops

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
)

// Redeliver pushes a quarantined envelope back onto the bus.
type Redeliver func(ctx domain.Context, ev domain.Envelope) error

// RegisterCommon mounts /healthz and the dead-letter endpoints on mux.
func RegisterCommon(mux *http.ServeMux, dlqSvc *dlq.Service, redeliver Redeliver) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /dlq", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.DLQFilter{
			Consumer:  q.Get("consumer"),
			EventType: q.Get("eventType"),
			Status:    domain.DLQStatus(q.Get("status")),
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				Error(w, http.StatusBadRequest, "limit must be an integer")
				return
			}
			f.Limit = n
		}
		msgs, err := dlqSvc.List(r.Context(), f)
		if err != nil {
			fromDomainErr(w, err)
			return
		}
		JSON(w, http.StatusOK, map[string]any{"messages": msgs})
	})

	mux.HandleFunc("POST /dlq/reprocess", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			Error(w, http.StatusBadRequest, "body must be {\"id\": \"...\"}")
			return
		}
		if err := dlqSvc.Reprocess(r.Context(), req.ID, redeliver); err != nil {
			fromDomainErr(w, err)
			return
		}
		JSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": string(domain.DLQResolved)})
	})

	mux.HandleFunc("POST /dlq/discard", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			Error(w, http.StatusBadRequest, "body must be {\"id\": \"...\", \"reason\": \"...\"}")
			return
		}
		if err := dlqSvc.Discard(r.Context(), req.ID, req.Reason); err != nil {
			fromDomainErr(w, err)
			return
		}
		JSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": string(domain.DLQDiscarded)})
	})
}

// JSON writes v as a JSON response body.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("ops response encode failed", slog.Any("error", err))
	}
}

// Error writes a JSON error body.
func Error(w http.ResponseWriter, code int, msg string) {
	JSON(w, code, map[string]string{"error": msg})
}

// fromDomainErr maps domain sentinel errors onto HTTP statuses.
func fromDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
