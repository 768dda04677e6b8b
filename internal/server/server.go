package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/storage"
)

type Config struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout 为 0 表示不限制；SSE 长连接要求保持为 0
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Runner 抽象服务端所需的引擎能力，便于测试替换。
// *agent.Engine 直接满足该接口。
type Runner interface {
	Run(ctx context.Context, userRequest string, opts ...agent.RunOption) (*agent.RunOutcome, error)
}

// Server 对外暴露出行诱导 HTTP API：
//
//	POST /api/chat    同步执行一次完整请求周期
//	GET  /api/events  按 trace_id 订阅进度事件（SSE）
//	GET  /api/health  存活探针
//	GET  /metrics     Prometheus 指标
type Server struct {
	cfg      Config
	runner   Runner
	store    *storage.Storage
	streams  *StreamManager
	metrics  *Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer 创建服务端；store 为 nil 时跳过运行记录持久化
func NewServer(cfg Config, runner Runner, store *storage.Storage, logger *zap.Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	return &Server{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		streams:  NewStreamManager(),
		metrics:  NewMetrics(registry),
		gatherer: registry,
		logger:   logger,
	}, nil
}

// Handler 组装路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/chat", s.handleChat)
	r.Get("/api/events", s.handleEvents)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Start 启动 HTTP 服务并在 ctx 结束时优雅下线
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type chatRequest struct {
	Message string `json:"message"`
	// TraceID 可选：客户端先订阅 /api/events 再带同一 ID 发起请求，
	// 即可实时观察本次运行的进度事件
	TraceID string `json:"trace_id"`
}

type chatResponse struct {
	TraceID         string        `json:"trace_id"`
	Status          string        `json:"status"`
	Recommendation  string        `json:"recommendation,omitempty"`
	ReflectionScore float64       `json:"reflection_score"`
	RetryCount      int           `json:"retry_count"`
	FailureCause    string        `json:"failure_cause,omitempty"`
	Events          []agent.Event `json:"events"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx := agent.WithTraceID(r.Context(), traceID)

	started := time.Now()
	outcome, err := s.runner.Run(ctx, req.Message, agent.WithEventObserver(func(ev agent.Event) {
		if ev.Type == agent.EventToolError {
			if tool, ok := ev.Content["tool"].(string); ok {
				s.metrics.ToolErrorsTotal.WithLabelValues(tool).Inc()
			}
		}
		if data, err := json.Marshal(ev); err == nil {
			s.streams.Broadcast(traceID, string(data))
		}
	}))
	if err != nil {
		if errors.Is(err, agent.ErrEmptyRequest) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is empty"})
			return
		}
		s.logger.Error("chat run failed", zap.String("trace_id", traceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	status := "done"
	if outcome.Failed() {
		status = "failed"
	}

	s.metrics.RunsTotal.WithLabelValues(status).Inc()
	s.metrics.RunDuration.Observe(time.Since(started).Seconds())
	s.metrics.ReflectionScore.Observe(outcome.ReflectionScore)
	s.metrics.RetryCount.Observe(float64(outcome.FinalState.RetryCount))

	s.persistRun(ctx, traceID, started, status, outcome)

	writeJSON(w, http.StatusOK, chatResponse{
		TraceID:         traceID,
		Status:          status,
		Recommendation:  outcome.Recommendation,
		ReflectionScore: outcome.ReflectionScore,
		RetryCount:      outcome.FinalState.RetryCount,
		FailureCause:    outcome.FailureCause,
		Events:          outcome.Events,
	})
}

func (s *Server) persistRun(ctx context.Context, traceID string, started time.Time, status string, outcome *agent.RunOutcome) {
	if s.store == nil {
		return
	}

	eventsJSON, err := json.Marshal(outcome.Events)
	if err != nil {
		eventsJSON = []byte("[]")
	}
	rec := &storage.RunRecord{
		TraceID:         traceID,
		UserRequest:     outcome.FinalState.UserRequest,
		Origin:          outcome.FinalState.Origin,
		Destination:     outcome.FinalState.Destination,
		Recommendation:  outcome.Recommendation,
		ReflectionScore: outcome.ReflectionScore,
		RetryCount:      outcome.FinalState.RetryCount,
		Status:          status,
		FailureCause:    outcome.FailureCause,
		EventsJSON:      string(eventsJSON),
		StartedAt:       started.UTC(),
		FinishedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertRunRecord(ctx, rec); err != nil {
		s.logger.Warn("persist run record failed", zap.String("trace_id", traceID), zap.Error(err))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "trace_id is required"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.streams.Subscribe(traceID)
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
