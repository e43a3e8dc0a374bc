// v1
// internal/httpserver/router.go
package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bridgeconfig"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/history"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/metrics"
)

const (
	defaultLimit = 10
	maxLimit     = history.DefaultCapacity
)

// HistorySource is the read side of the measurement history.
type HistorySource interface {
	Latest() []history.Entry
	ForIdentity(identity string, limit int) []history.Entry
}

// BridgeStatus exposes the gateway configuration controller. It may be nil
// when auto configuration is off.
type BridgeStatus interface {
	State() bridgeconfig.State
	Last() (bridgeconfig.Result, bool)
}

// Deps groups what the handlers read from.
type Deps struct {
	Health  *HealthState
	History HistorySource
	Bridge  BridgeStatus
}

// NewRouter wires every route of the status API.
func NewRouter(logger *slog.Logger, deps Deps) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health/live", healthLiveHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", healthReadyHandler(deps.Health)).Methods(http.MethodGet)
	r.HandleFunc("/measurements/latest", latestHandler(logger, deps.History)).Methods(http.MethodGet)
	r.HandleFunc("/measurements/{identity}", identityHandler(logger, deps.History)).Methods(http.MethodGet)
	r.HandleFunc("/bridge/status", bridgeStatusHandler(logger, deps.Bridge)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Wrap adds panic recovery and access logging around h.
func Wrap(logger *slog.Logger, h http.Handler) http.Handler {
	recovered := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}), handlers.PrintRecoveryStack(false))(h)
	return withLogging(logger, recovered)
}

type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("http_handler_panic", slog.String("detail", fmt.Sprint(v...)))
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		level := slog.LevelDebug
		if rw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.String("duration", time.Since(start).String()),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader stores the status code so the middleware can log it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func healthLiveHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func healthReadyHandler(health *HealthState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if health == nil || !health.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

type measurementsResponse struct {
	Count   int             `json:"count"`
	Entries []history.Entry `json:"entries"`
}

func latestHandler(logger *slog.Logger, src HistorySource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		entries := []history.Entry{}
		if src != nil {
			entries = append(entries, src.Latest()...)
		}
		writeJSON(w, logger, http.StatusOK, measurementsResponse{Count: len(entries), Entries: entries})
	}
}

func identityHandler(logger *slog.Logger, src HistorySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := strings.TrimSpace(mux.Vars(r)["identity"])
		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeJSON(w, logger, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
				return
			}
			limit = min(n, maxLimit)
		}
		var entries []history.Entry
		if src != nil {
			entries = src.ForIdentity(identity, limit)
		}
		if len(entries) == 0 {
			writeJSON(w, logger, http.StatusNotFound, errorResponse{Error: "no measurements for " + identity})
			return
		}
		writeJSON(w, logger, http.StatusOK, measurementsResponse{Count: len(entries), Entries: entries})
	}
}

type bridgeStatusResponse struct {
	Enabled bool                 `json:"enabled"`
	State   bridgeconfig.State   `json:"state,omitempty"`
	Last    *bridgeconfig.Result `json:"last,omitempty"`
}

func bridgeStatusHandler(logger *slog.Logger, bridge BridgeStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := bridgeStatusResponse{}
		if bridge != nil {
			resp.Enabled = true
			resp.State = bridge.State()
			if last, ok := bridge.Last(); ok {
				resp.Last = &last
			}
		}
		writeJSON(w, logger, http.StatusOK, resp)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response_encode_failed", slog.Any("err", err))
	}
}
