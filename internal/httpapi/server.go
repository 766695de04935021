package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"stocksim/internal/domain"
	"stocksim/internal/engine"
	"stocksim/internal/export"
	"stocksim/internal/playback"
)

const maxBodyBytes = 1 << 20

// SessionServer serves the replay session API.
type SessionServer struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewSessionServer creates a new session HTTP server.
func NewSessionServer(e *engine.Engine, log *slog.Logger) *SessionServer {
	if log == nil {
		log = slog.Default()
	}
	return &SessionServer{
		engine: e,
		log:    log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *SessionServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stocks/{stock}/dates", s.handleDates)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/session", s.handlePrepare)
	mux.HandleFunc("GET /api/session", s.handleStatus)
	mux.HandleFunc("GET /api/session/orders", s.handleOrders)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/seek", s.handleSeek)
	mux.HandleFunc("POST /api/session/speed", s.handleSpeed)
	mux.HandleFunc("GET /api/session/export.csv", s.handleExport)
	mux.HandleFunc("GET /api/session/series", s.handleSeries)
	mux.HandleFunc("GET /api/session/summary", s.handleSummary)
}

// Handler returns an http.Handler with CORS middleware.
func (s *SessionServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORS(mux)
}

// CORS allows browser dashboards served from another origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// statusFor maps engine and playback errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, playback.ErrIndexOutOfRange),
		errors.Is(err, playback.ErrInvalidSpeed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *SessionServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %v", engine.ErrInvalidRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", engine.ErrInvalidRequest, key)
	}
	return n, nil
}

// clampSpeed bounds a requested multiplier to [1, max]. Non-finite and
// non-positive values are passed through so the scheduler rejects them.
func clampSpeed(m, max float64) float64 {
	if !(m > 0) || math.IsInf(m, 0) {
		return m
	}
	return math.Min(math.Max(m, 1), max)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *SessionServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *SessionServer) handleDates(w http.ResponseWriter, r *http.Request) {
	stock := r.PathValue("stock")
	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().Format("2006-01")
	}
	dates, err := s.engine.AvailableDates(r.Context(), stock, month)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, DatesResponse{StockID: stock, Month: month, Dates: dates})
}

func (s *SessionServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.engine.Sessions(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, SessionsResponse{Sessions: list})
}

func (s *SessionServer) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req engine.PrepareRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.engine.Prepare(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("session prepared", "session", sess.ID, "stock", sess.StockID, "events", sess.Events)
	writeJSON(w, s.engine.Status())
}

func (s *SessionServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Status())
}

func (s *SessionServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	orders, err := s.engine.Orders(offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := OrdersResponse{
		Offset: offset,
		Total:  s.engine.Status().Playback.Len,
		Orders: orders,
	}
	if resp.Orders == nil {
		resp.Orders = []domain.OrderEvent{}
	}
	writeJSON(w, resp)
}

func (s *SessionServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *SessionServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *SessionServer) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.Seek(req.Index); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *SessionServer) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req SpeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.SetSpeed(clampSpeed(req.Multiplier, s.engine.MaxSpeed())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.engine.Status())
}

func (s *SessionServer) handleExport(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	if st.Session == nil {
		s.fail(w, r, engine.ErrNoSession)
		return
	}
	name := fmt.Sprintf("%s_%s.csv", st.Session.StockID, st.Session.Start.Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := s.engine.ExportCSV(w, export.DefaultOptions()); err != nil {
		// Headers are already sent.
		s.log.Error("export failed", "session", st.Session.ID, "error", err)
	}
}

func (s *SessionServer) handleSeries(w http.ResponseWriter, r *http.Request) {
	bucket := time.Second
	if v := r.URL.Query().Get("bucket"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.fail(w, r, fmt.Errorf("%w: bucket must be a positive duration", engine.ErrInvalidRequest))
			return
		}
		bucket = d
	}
	series, err := s.engine.Series(bucket)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, series)
}

func (s *SessionServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summary()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := SummaryResponse{Summary: sum}
	if st := s.engine.Status(); st.Session != nil {
		resp.SessionID = st.Session.ID
	}
	writeJSON(w, resp)
}
