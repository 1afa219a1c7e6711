package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/nuetzliches/eventrelay/internal/pipeline"
	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/relay"
)

// maxBatchBodyBytes bounds a single intake request. Batches are produced by
// a cooperating client; anything near this size indicates a misbehaving one.
const maxBatchBodyBytes = 4 << 20

type batchRequest struct {
	APIKey string        `json:"api_key"`
	Batch  []relay.Event `json:"batch"`
}

type apiServer struct {
	pipeline   *pipeline.Pipeline
	store      queue.Store
	defaultKey string
	// rememberKey records the credential of the latest live batch so the
	// periodic flush can reuse it. Optional.
	rememberKey func(string)
	logger      *slog.Logger
}

func (s *apiServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batch", s.handleBatch)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *apiServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxBatchBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Batch) == 0 {
		writeJSONError(w, http.StatusBadRequest, "batch must not be empty")
		return
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = s.defaultKey
	}
	if apiKey != "" && s.rememberKey != nil {
		s.rememberKey(apiKey)
	}

	res, err := s.pipeline.SubmitBatch(r.Context(), req.Batch, apiKey)
	if err != nil {
		s.log().Error("submit_batch_failed", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type queueHealth struct {
		Total    int `json:"total"`
		Eligible int `json:"eligible"`
	}
	out := struct {
		Status string      `json:"status"`
		Queue  queueHealth `json:"queue"`
	}{Status: "ok"}

	if s.store != nil {
		stats, err := s.store.Stats()
		if err != nil {
			if errors.Is(err, queue.ErrStoreClosed) {
				writeJSONError(w, http.StatusServiceUnavailable, "store closed")
				return
			}
			s.log().Warn("healthz_stats_failed", slog.Any("err", err))
			out.Status = "degraded"
		} else {
			out.Queue = queueHealth{Total: stats.Total, Eligible: stats.Eligible}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}
