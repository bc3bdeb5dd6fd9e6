package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/creative-goat/internal/analytics"
	"github.com/headline-goat/creative-goat/internal/engine"
	"github.com/headline-goat/creative-goat/internal/stats"
	"github.com/headline-goat/creative-goat/internal/store"
)

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	RunningTests  int    `json:"running_tests"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type TestResponse struct {
	Test     *store.Test      `json:"test"`
	Variants []*store.Variant `json:"variants"`
	Analysis *stats.Result    `json:"analysis"`
}

type PassResponse struct {
	Results []engine.Result        `json:"results"`
	Summary map[engine.Outcome]int `json:"summary"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle registers h under pattern and records request metrics per route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.collector.RecordHTTPRequest(r.Method, pattern, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListTests(r.Context(), store.ListFilter{})
	if err != nil {
		s.storeError(w, err)
		return
	}

	running := 0
	for _, t := range tests {
		if t.Status == store.StatusRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		RunningTests:  running,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	var filter store.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := store.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	filter.ProjectID = r.URL.Query().Get("project")

	tests, err := s.store.ListTests(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	test, err := s.store.GetTest(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	variants, err := s.store.ListVariants(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TestResponse{
		Test:     test,
		Variants: variants,
		Analysis: stats.Analyze(variants),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := analytics.Load(r.Context(), s.store)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePass(w http.ResponseWriter, r *http.Request) {
	results, err := s.evaluator.RunPass(r.Context(), s.now())
	if err != nil {
		s.logger.Error("pass failed", zap.Error(err))
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PassResponse{Results: results, Summary: engine.Summarize(results)})
}

// handleEvaluate evaluates one due test. force=true closes a running test
// before its scheduled time.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	evaluate := s.evaluator.Evaluate
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		evaluate = s.evaluator.EvaluateNow
	}
	res, err := evaluate(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, engine.ErrLeaseConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidTestState):
		writeJSON(w, http.StatusConflict, res)
	case err != nil:
		s.logger.Error("evaluation failed", zap.String("test_id", r.PathValue("id")), zap.Error(err))
		s.storeError(w, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
