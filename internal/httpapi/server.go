package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WriteTimeout    time.Duration
	Metrics         *ledger.Metrics
	Logger          Logger
	Now             func() time.Time
}

type Server struct {
	ledger      *ledger.Ledger
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schema      *jsonschema.Schema
	requests    *prometheus.CounterVec
}

// rateLimiter keeps one token bucket per writer. Each bucket holds
// RateLimitMax tokens and refills over RateLimitWindow.
type rateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	limiters map[string]*rate.Limiter
}

func NewServer(l *ledger.Ledger) *Server {
	return NewServerWithConfig(l, ServerConfig{})
}

func NewServerWithConfig(l *ledger.Ledger, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:   cfg.RateLimitWindow,
			max:      cfg.RateLimitMax,
			limiters: map[string]*rate.Limiter{},
		}
	}
	schema, err := compileTransactionSchema()
	if err != nil {
		// The schema is a constant; failing to compile it is a programming error.
		panic(err)
	}
	s := &Server{
		ledger:      l,
		cfg:         cfg,
		rateLimiter: limiter,
		schema:      schema,
	}
	if registry := cfg.Metrics.Registry(); registry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaydoc_http",
			Name:      "requests_total",
			Help:      "Ledger API requests by route and status code",
		}, []string{"route", "code"})
		if err := registry.Register(s.requests); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				s.requests = already.ExistingCollector.(*prometheus.CounterVec)
			} else {
				s.requests = nil
			}
		}
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blockNumber": s.ledger.BlockNumber()})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = ScopeAdminRead
		route = "admin_status"
	case len(parts) < 3 || parts[0] != "v1" || parts[1] != "ledger":
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	case len(parts) == 3 && parts[2] == "head" && r.Method == http.MethodGet:
		requiredScope = ScopeLedgerRead
		route = "head"
	case len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeLedgerRead
		route = "events"
	case len(parts) == 3 && parts[2] == "transactions" && r.Method == http.MethodPost:
		requiredScope = ScopeLedgerWrite
		route = "submit"
	case len(parts) == 4 && parts[2] == "transactions" && r.Method == http.MethodGet:
		requiredScope = ScopeLedgerRead
		route = "receipt"
	case len(parts) == 3 && parts[2] == "subscribe" && r.Method == http.MethodGet:
		requiredScope = ScopeLedgerRead
		route = "subscribe"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	if s.requests != nil && route != "subscribe" {
		w = rec
		defer func() {
			s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}()
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "subscribe" {
		if !s.rateLimiter.allow(claims.Writer, s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.max)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "head":
		writeJSON(w, http.StatusOK, map[string]uint64{"blockNumber": s.ledger.BlockNumber()})
	case "events":
		s.handleEvents(w, r, correlationID)
	case "submit":
		s.handleSubmit(w, r, claims, correlationID)
	case "receipt":
		s.handleReceipt(w, parts[3], correlationID)
	case "subscribe":
		s.handleSubscribe(w, r, correlationID)
	case "admin_status":
		writeJSON(w, http.StatusOK, s.ledger.Status())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	kind := strings.TrimSpace(query.Get("kind"))
	fromBlock, err := parseBlock(query.Get("fromBlock"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid fromBlock", correlationID)
		return
	}
	toBlock, err := parseBlock(query.Get("toBlock"), s.ledger.BlockNumber())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid toBlock", correlationID)
		return
	}
	events, err := s.ledger.QueryEvents(kind, fromBlock, toBlock)
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, claims Claims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateTransaction(s.schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_transaction", err.Error(), correlationID)
		return
	}
	var req transactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	tx, err := s.ledger.Submit(ledger.SubmitRequest{
		From:          claims.Writer,
		Function:      req.Function,
		Position:      req.Args.Position,
		Text:          req.Args.Text,
		Length:        req.Args.Length,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, ledger.Receipt{
		TransactionHash: tx.Hash,
		Status:          ledger.TxPending,
	})
}

func (s *Server) handleReceipt(w http.ResponseWriter, hash, correlationID string) {
	receipt, err := s.ledger.Receipt(hash)
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type streamMessage struct {
	Type        string        `json:"type"`
	Event       *ledger.Event `json:"event,omitempty"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
}

// handleSubscribe streams events over a websocket. With fromBlock set the
// stored events from that block are sent first. A "ready" message carrying
// the head block separates the backlog from live events.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, correlationID string) {
	fromBlock, err := parseBlock(r.URL.Query().Get("fromBlock"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid fromBlock", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("subscribe accept failed correlation=%s: %v", correlationID, err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	sub, err := s.ledger.Subscribe(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "ledger unavailable")
		return
	}
	defer sub.Close()

	var backlog []ledger.Event
	head := s.ledger.BlockNumber()
	if fromBlock > 0 {
		backlog, head = s.ledger.EventsSince(fromBlock)
	}
	for i := range backlog {
		if err := s.send(ctx, conn, streamMessage{Type: "event", Event: &backlog[i]}); err != nil {
			return
		}
	}
	if err := s.send(ctx, conn, streamMessage{Type: "ready", BlockNumber: head}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				reason := "subscription ended"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				_ = conn.Close(websocket.StatusTryAgainLater, reason)
				return
			}
			if ev.BlockNumber <= head {
				continue
			}
			if err := s.send(ctx, conn, streamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeLedgerError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ledger.ErrRangeTooLarge):
		writeError(w, http.StatusBadRequest, "range_too_large", err.Error(), correlationID)
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "transaction not found", correlationID)
	case errors.Is(err, ledger.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "transaction queue is full", correlationID)
	case errors.Is(err, ledger.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ledger is shutting down", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.window/time.Duration(r.max)), r.max)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()
	return limiter.AllowN(now, 1)
}

func parseBlock(raw string, fallback uint64) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
