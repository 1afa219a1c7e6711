package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nuetzliches/eventrelay/internal/pipeline"
	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/relay"
)

type stubDeliverer struct {
	mu      sync.Mutex
	outcome relay.Outcome
	keys    []string
}

func (s *stubDeliverer) Deliver(_ context.Context, _ []relay.Event, apiKey string) relay.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, apiKey)
	return relay.Result{Outcome: s.outcome, StatusCode: http.StatusOK}
}

func newTestAPIServer(outcome relay.Outcome) (*apiServer, *queue.MemoryStore, *stubDeliverer) {
	store := queue.NewMemoryStore()
	deliverer := &stubDeliverer{outcome: outcome}
	pipe := &pipeline.Pipeline{
		Store:     store,
		Deliverer: deliverer,
		Logger:    newDiscardLogger(),
	}
	srv := &apiServer{
		pipeline: pipe,
		store:    store,
		logger:   newDiscardLogger(),
	}
	return srv, store, deliverer
}

func TestHandleBatch_SuccessReturnsAccepted(t *testing.T) {
	srv, _, _ := newTestAPIServer(relay.OutcomeSuccess)

	body := `{"api_key":"phc_live","batch":[{"event":"app_open","properties":{}}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202 (body=%s)", rec.Code, rec.Body.String())
	}
	var res pipeline.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Sent != 1 || res.Queued != 0 {
		t.Fatalf("result=%+v, want {Sent:1 Queued:0}", res)
	}
}

func TestHandleBatch_FailureQueues(t *testing.T) {
	srv, store, _ := newTestAPIServer(relay.OutcomeRejected)

	body := `{"api_key":"phc_live","batch":[{"event":"a"},{"event":"b"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	var res pipeline.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Queued != 2 {
		t.Fatalf("queued=%d, want 2", res.Queued)
	}
	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("queue size=%d, want 2", stats.Total)
	}
}

func TestHandleBatch_DefaultKeyAndRemember(t *testing.T) {
	srv, _, deliverer := newTestAPIServer(relay.OutcomeSuccess)
	srv.defaultKey = "phc_default"
	var remembered []string
	srv.rememberKey = func(k string) { remembered = append(remembered, k) }

	body := `{"batch":[{"event":"a"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	deliverer.mu.Lock()
	keys := append([]string(nil), deliverer.keys...)
	deliverer.mu.Unlock()
	if len(keys) == 0 || keys[0] != "phc_default" {
		t.Fatalf("delivered keys=%v, want phc_default first", keys)
	}
	if len(remembered) != 1 || remembered[0] != "phc_default" {
		t.Fatalf("remembered=%v", remembered)
	}
}

func TestHandleBatch_BadRequests(t *testing.T) {
	srv, _, _ := newTestAPIServer(relay.OutcomeSuccess)
	h := srv.handler()

	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{nope", http.StatusBadRequest},
		{"empty batch", http.MethodPost, `{"api_key":"k","batch":[]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/v1/batch", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status=%d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestHandleBatch_OversizeRejected(t *testing.T) {
	srv, _, _ := newTestAPIServer(relay.OutcomeSuccess)

	big := strings.Repeat("x", maxBatchBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(big))
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want 413", rec.Code)
	}
}

func TestHandleHealthz_ReportsQueueDepth(t *testing.T) {
	srv, store, _ := newTestAPIServer(relay.OutcomeSuccess)
	if _, err := store.Enqueue([][]byte{[]byte(`{"event":"a"}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var out struct {
		Status string `json:"status"`
		Queue  struct {
			Total    int `json:"total"`
			Eligible int `json:"eligible"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Queue.Total != 1 {
		t.Fatalf("health=%+v", out)
	}
}

func TestHandleHealthz_ClosedStoreIsUnavailable(t *testing.T) {
	srv, store, _ := newTestAPIServer(relay.OutcomeSuccess)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}
