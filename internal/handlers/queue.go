package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// QueueStatus returns per-queue counters.
func (s *Server) QueueStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.queues.Stats()
		var inFlight, dead int64
		for _, st := range stats {
			inFlight += st.InFlight
			dead += st.DeadLettered
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"queues":       stats,
			"inFlight":     inFlight,
			"deadLettered": dead,
		})
	}
}

// DeadLetters lists the most recent dead letters, newest first.
func (s *Server) DeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				s.Respond(w, r, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		s.Respond(w, r, http.StatusOK, s.queues.DeadLetters(limit))
	}
}

// RetryDeadLetter re-enqueues one dead letter with a fresh attempt budget.
func (s *Server) RetryDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := mux.Vars(r)["id"]
		job, err := s.queues.Retry(r.Context(), jobID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().Str("jobId", jobID).Str("queue", job.Queue).Msg("Manual retry triggered for dead letter")
		s.Respond(w, r, http.StatusOK, job)
	}
}
