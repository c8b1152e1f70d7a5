package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threadsync/internal/metrics"
	"threadsync/internal/protocol"
	"threadsync/internal/store"
)

// Router returns the server's HTTP routes
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Debug().
				Str("method", request.Method).
				Stringer("url", request.URL).
				Dur("duration", m.Duration).
				Int("status", m.Code).
				Msg("handled")
		})
	})

	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWs)
	r.Methods(http.MethodGet).Path("/api/threads/{thread:[0-9]+}").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodGet).Path("/api/threads/{thread:[0-9]+}/backlog").HandlerFunc(s.getBacklog)
	r.Methods(http.MethodPost).Path("/api/images").HandlerFunc(s.postImage)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

func threadVar(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["thread"], 10, 64)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to write out")
	}
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := threadVar(r)
	if err != nil {
		http.Error(w, "bad thread id", http.StatusBadRequest)
		return
	}
	snap, err := s.Snapshot(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		s.log.Error().Err(err).Uint64("thread", id).Msg("reading snapshot")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// getBacklog serves the logged operation frames in [from, to). A range
// reaching into the compacted prefix is gone for good.
func (s *Server) getBacklog(w http.ResponseWriter, r *http.Request) {
	id, err := threadVar(r)
	if err != nil {
		http.Error(w, "bad thread id", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	from, err1 := strconv.ParseUint(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseUint(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}

	ops, err := s.tlog.Range(r.Context(), id, from, to)
	switch {
	case errors.Is(err, store.ErrCompacted):
		metrics.BacklogFetches.WithLabelValues("compacted").Inc()
		w.WriteHeader(http.StatusGone)
		return
	case errors.Is(err, store.ErrRange):
		metrics.BacklogFetches.WithLabelValues("range").Inc()
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	case err != nil:
		metrics.BacklogFetches.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Uint64("thread", id).Msg("reading backlog")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	metrics.BacklogFetches.WithLabelValues("ok").Inc()

	frames := make([]string, len(ops))
	for i, op := range ops {
		frames[i] = string(op)
	}
	s.writeJSON(w, http.StatusOK, frames)
}

// postImage registers a processed upload and returns the token allocations
// redeem it with
func (s *Server) postImage(w http.ResponseWriter, r *http.Request) {
	var img protocol.Image
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&img); err != nil {
		http.Error(w, "bad image", http.StatusBadRequest)
		return
	}
	if img.File == "" || img.SHA1 == "" {
		http.Error(w, "bad image", http.StatusBadRequest)
		return
	}
	token, err := s.tokens.IssueImage(r.Context(), img, s.cfg.ImageTokenTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("issuing image token")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, struct {
		Token string `json:"token"`
	}{token})
}
