// Package httpapi exposes the assistant pipeline over HTTP: a streaming chat
// endpoint, a buffered variant, speech synthesis, the conversation history
// view and a websocket voice session.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vheller/iris/internal/history"
	"github.com/vheller/iris/internal/observe"
	"github.com/vheller/iris/internal/prompt"
	"github.com/vheller/iris/internal/provider"
	"github.com/vheller/iris/internal/ratelimit"
	"github.com/vheller/iris/internal/tts"
	"github.com/vheller/iris/internal/usage"
)

// VoiceProfileSource yields the current voice configuration. Satisfied by
// tts.ProfileWatcher; a static implementation serves tests and dev mode.
type VoiceProfileSource interface {
	Current() tts.VoiceProfile
}

// StaticProfile is a VoiceProfileSource that never changes.
type StaticProfile tts.VoiceProfile

func (p StaticProfile) Current() tts.VoiceProfile { return tts.VoiceProfile(p) }

type RouterConfig struct {
	// JWT Authentication. An empty secret disables auth (dev mode); requests
	// are then identified by the body's identity field.
	JWTSecret string
	JWTExpiry time.Duration

	// HistoryWindow is the number of prior messages handed to the provider.
	HistoryWindow int
}

type Router struct {
	cfg       RouterConfig
	logger    *log.Logger
	limiter   *ratelimit.Limiter
	providers *provider.Router
	history   history.Store
	ledger    *usage.Ledger
	gateway   *tts.Gateway
	prompts   *prompt.Builder
	profiles  VoiceProfileSource
	metrics   *observe.Metrics
	streams   *StreamRegistry
	mux       *http.ServeMux
}

// Deps bundles the pipeline components the router dispatches into.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Providers *provider.Router
	History   history.Store
	Ledger    *usage.Ledger
	Gateway   *tts.Gateway
	Prompts   *prompt.Builder
	Profiles  VoiceProfileSource
	Metrics   *observe.Metrics
	Streams   *StreamRegistry
}

func NewRouter(cfg RouterConfig, logger *log.Logger, deps Deps) http.Handler {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger,
		limiter:   deps.Limiter,
		providers: deps.Providers,
		history:   deps.History,
		ledger:    deps.Ledger,
		gateway:   deps.Gateway,
		prompts:   deps.Prompts,
		profiles:  deps.Profiles,
		metrics:   deps.Metrics,
		streams:   deps.Streams,
		mux:       http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health and telemetry
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Assistant API
	r.mux.HandleFunc("POST /api/assistant/chat", r.withAuth(r.handleChatStream))
	r.mux.HandleFunc("POST /api/assistant/chat/complete", r.withAuth(r.handleChatComplete))
	r.mux.HandleFunc("POST /api/assistant/tts", r.withAuth(r.handleSynthesize))
	r.mux.HandleFunc("GET /api/assistant/history/{sessionId}", r.withAuth(r.handleHistory))

	// Voice session (websocket; token also accepted as query param)
	r.mux.HandleFunc("GET /api/assistant/voice", r.withAuth(r.handleVoiceWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
