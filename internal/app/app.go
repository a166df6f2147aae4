// Package app wires configuration and the pipeline components into a running
// service.
package app

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vheller/iris/internal/history"
	"github.com/vheller/iris/internal/httpapi"
	"github.com/vheller/iris/internal/observe"
	"github.com/vheller/iris/internal/prompt"
	"github.com/vheller/iris/internal/provider"
	"github.com/vheller/iris/internal/ratelimit"
	"github.com/vheller/iris/internal/tts"
	"github.com/vheller/iris/internal/usage"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	history    history.Store
	ledger     *usage.Ledger
	providers  *provider.Router
	gateway    *tts.Gateway
	prompts    *prompt.Builder
	profiles   httpapi.VoiceProfileSource
	watcher    *tts.ProfileWatcher
	metrics    *observe.Metrics
	httpClient *http.Client // shared pooled client for all upstream APIs
}

// New builds the app. Without DATABASE_URL it runs in dev mode: in-memory
// history and no usage persistence.
func New(cfg Config, logger *log.Logger, metrics *observe.Metrics) (*App, error) {
	a := &App{cfg: cfg, logger: logger, metrics: metrics}

	// Shared HTTP client with connection pooling. Keeps TCP connections
	// alive to the inference and synthesis hosts across requests.
	a.httpClient = &http.Client{
		Timeout: 120 * time.Second, // streams stay open for the full answer
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.history = history.NewPostgresStore(db)
	} else {
		logger.Printf("app: DATABASE_URL not set, using in-memory history (dev mode)")
		a.history = history.NewMemoryStore()
	}

	// Migrations are applied externally by the deploy job, not at startup.
	a.ledger = usage.NewLedger(a.db, logger)

	openai := provider.NewOpenAIClient(provider.OpenAIConfig{
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.OpenAIModel,
		HTTPClient: a.httpClient,
	})
	var quality provider.Client
	if cfg.AnthropicAPIKey != "" {
		quality = provider.NewAnthropicClient(provider.AnthropicConfig{
			APIKey:     cfg.AnthropicAPIKey,
			Model:      cfg.AnthropicModel,
			HTTPClient: a.httpClient,
		})
	} else {
		logger.Printf("app: ANTHROPIC_API_KEY not set, quality mode falls back to fast")
	}
	a.providers = provider.NewRouter(openai, quality)

	elevenlabs := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:     cfg.ElevenLabsAPIKey,
		HTTPClient: a.httpClient,
	})
	a.gateway = tts.NewGateway(elevenlabs, logger, metrics)

	if cfg.VoiceConfigPath != "" {
		watcher, err := tts.NewProfileWatcher(cfg.VoiceConfigPath, 10*time.Second, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.watcher = watcher
		a.profiles = watcher
	} else {
		a.profiles = httpapi.StaticProfile(tts.DefaultProfile())
	}

	a.prompts = prompt.NewBuilder(prompt.BuilderConfig{Logger: logger})

	return a, nil
}

// Router builds the HTTP handler around the given stream registry.
func (a *App) Router(streams *httpapi.StreamRegistry) http.Handler {
	return httpapi.NewRouter(httpapi.RouterConfig{
		JWTSecret:     a.cfg.JWTSecret,
		JWTExpiry:     a.cfg.JWTExpiry,
		HistoryWindow: a.cfg.HistoryWindow,
	}, a.logger, httpapi.Deps{
		Limiter:   ratelimit.New(a.cfg.RateLimit, a.cfg.RateLimitWindow),
		Providers: a.providers,
		History:   a.history,
		Ledger:    a.ledger,
		Gateway:   a.gateway,
		Prompts:   a.prompts,
		Profiles:  a.profiles,
		Metrics:   a.metrics,
		Streams:   streams,
	})
}

func (a *App) Close() error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
