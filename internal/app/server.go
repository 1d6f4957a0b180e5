package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"signal-trader/internal/monitor"
	"signal-trader/internal/position"
	"signal-trader/internal/risk"
	"signal-trader/internal/signal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxWebhookBody = 64 << 10

type positionAdmin interface {
	ListOpen() []position.Position
	MonitorState(id string) (risk.MonitorState, bool)
	CancelPosition(ctx context.Context, id string) error
	LiquidatePosition(ctx context.Context, id string) error
}

type eventLister interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
}

// Server 提供 webhook 与管理接口。
type Server struct {
	signals   *signal.Router
	positions positionAdmin
	events    eventLister
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	router    *mux.Router
}

// NewServer 注册全部路由。events 与 gatherer 为 nil 时对应接口不注册。
func NewServer(signals *signal.Router, positions positionAdmin, events eventLister, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		signals:   signals,
		positions: positions,
		events:    events,
		gatherer:  gatherer,
		logger:    logger.Named("http"),
		router:    mux.NewRouter(),
	}

	s.router.Use(s.recovery, s.logging)
	s.router.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/positions", s.handleListPositions).Methods(http.MethodGet)
	s.router.HandleFunc("/positions/{id}", s.handleCancelPosition).Methods(http.MethodDelete)
	s.router.HandleFunc("/positions/{id}/liquidate", s.handleLiquidatePosition).Methods(http.MethodPost)
	if events != nil {
		s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return s
}

// Handler 返回根路由。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.signals.Reject(r.Context(), err)
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	sig, err := s.signals.Parse(body)
	switch {
	case errors.Is(err, signal.ErrUnauthorized):
		s.signals.Reject(r.Context(), err)
		writeError(w, http.StatusForbidden, "Invalid passphrase")
		return
	case errors.Is(err, signal.ErrUnsupportedSymbol):
		s.signals.Reject(r.Context(), err)
		writeError(w, http.StatusBadRequest, "Coin not supported")
		return
	case err != nil:
		s.signals.Reject(r.Context(), err)
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	res, err := s.signals.Dispatch(r.Context(), sig)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"action":      res.Action,
		"symbol":      res.Symbol,
		"position_id": res.PositionID,
	})
}

type positionView struct {
	position.Position
	MonitorState risk.MonitorState `json:"monitor_state,omitempty"`
}

func (s *Server) handleListPositions(w http.ResponseWriter, _ *http.Request) {
	open := s.positions.ListOpen()
	views := make([]positionView, 0, len(open))
	for _, p := range open {
		state, _ := s.positions.MonitorState(p.ID)
		views = append(views, positionView{Position: p, MonitorState: state})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCancelPosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.positions.CancelPosition(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.positions.LiquidatePosition(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "position_id": id})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := s.events.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// statusFor 把引擎错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, risk.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, risk.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, risk.ErrExitInProgress):
		return http.StatusConflict
	case errors.Is(err, risk.ErrOrderRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, risk.ErrExitFailed):
		return http.StatusBadGateway
	case errors.Is(err, risk.ErrExchangeUnavailable), errors.Is(err, risk.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("处理请求时发生panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
