package deltafeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaylist/internal/listsync"
	"github.com/agentworkforce/relaylist/internal/logging"
)

type Config struct {
	Registry *listsync.Registry
	Broker   *Broker
	// JWTSecret enables bearer auth on list routes when set.
	JWTSecret      string
	Gatherer       prometheus.Gatherer
	OriginPatterns []string
	WriteTimeout   time.Duration
	Logger         logging.Logger
}

// Server exposes the registry's lists over HTTP and streams their splices
// over websockets.
type Server struct {
	cfg    Config
	router chi.Router
	logger logging.Logger
	now    func() time.Time
}

type pageResponse struct {
	ListID string          `json:"listId"`
	Items  []listsync.Item `json:"items"`
	Count  int             `json:"count"`
}

type refreshResponse struct {
	ListID string `json:"listId"`
	Length int    `json:"length"`
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, &listsync.ConfigError{Field: "Registry", Reason: "is required"}
	}
	if cfg.Broker == nil {
		return nil, &listsync.ConfigError{Field: "Broker", Reason: "is required"}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1/lists/{listID}", func(r chi.Router) {
		r.With(s.requireScope(ScopeSync)).Post("/next", s.handleNext)
		r.With(s.requireScope(ScopeSync)).Post("/refresh", s.handleRefresh)
		r.With(s.requireScope(ScopeRead)).Get("/items", s.handleItems)
		r.With(s.requireScope(ScopeRead)).Get("/deltas", s.handleDeltas)
	})
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	var items []listsync.Item
	err := s.cfg.Registry.Do(r.Context(), listID, func(l *listsync.Loader) error {
		var err error
		items, err = l.LoadNextPage(r.Context())
		return err
	})
	if err != nil {
		s.writeListError(w, r, listID, err)
		return
	}
	if items == nil {
		items = []listsync.Item{}
	}
	writeJSON(w, http.StatusOK, pageResponse{ListID: listID, Items: items, Count: len(items)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	var length int
	err := s.cfg.Registry.Do(r.Context(), listID, func(l *listsync.Loader) error {
		if err := l.Refresh(r.Context()); err != nil {
			return err
		}
		var err error
		length, err = l.Engine().Len(r.Context())
		return err
	})
	if err != nil {
		s.writeListError(w, r, listID, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{ListID: listID, Length: length})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	var items []listsync.Item
	err := s.cfg.Registry.Do(r.Context(), listID, func(l *listsync.Loader) error {
		items = l.Items()
		return nil
	})
	if err != nil {
		s.writeListError(w, r, listID, err)
		return
	}
	if items == nil {
		items = []listsync.Item{}
	}
	writeJSON(w, http.StatusOK, pageResponse{ListID: listID, Items: items, Count: len(items)})
}

func (s *Server) handleDeltas(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		// Accept has already written the response.
		s.logger.Warn("websocket upgrade failed", "list", listID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.cfg.Broker.Subscribe(listID)
	defer sub.Close()
	s.logger.Debug("delta subscriber joined", "list", listID, "correlationId", getCorrelationID(r))

	// Deltas only flow one way; CloseRead handles control frames and ends
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case delta, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber fell behind")
				return
			}
			if err := s.writeDelta(ctx, conn, delta); err != nil {
				s.logger.Debug("delta subscriber left", "list", listID, "err", err)
				return
			}
		}
	}
}

func (s *Server) writeDelta(ctx context.Context, conn *websocket.Conn, delta Delta) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, delta)
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.JWTSecret == "" {
				next.ServeHTTP(w, r)
				return
			}
			listID := chi.URLParam(r, "listID")
			if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, listID, scope, s.now()); authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeListError(w http.ResponseWriter, r *http.Request, listID string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("list request failed", "list", listID, "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, code, err.Error(), getCorrelationID(r))
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, listsync.ErrConfiguration):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, listsync.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, listsync.ErrUnsortedPage):
		return http.StatusBadGateway, "unsorted_page"
	case errors.Is(err, listsync.ErrRemoteFetch):
		return http.StatusBadGateway, "remote_fetch_failed"
	case errors.Is(err, listsync.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Correlation-Id", id)
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r)
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
