// Command streamwatch observes live Twitch channels and keeps per-channel
// statistics. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the shared chat connection, the pubsub pool, and the live-info
//     batcher, then registers a session per configured channel.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /channels,
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamwatch/batch"
	"github.com/onnwee/streamwatch/broadcast"
	"github.com/onnwee/streamwatch/chat"
	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/hermes"
	"github.com/onnwee/streamwatch/patterncache"
	"github.com/onnwee/streamwatch/server"
	"github.com/onnwee/streamwatch/session"
	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Helix client over an app access token.
	helix := &twitchapi.HelixClient{
		Tokens: &twitchapi.AppTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
		},
		ClientID: cfg.TwitchClientID,
		BaseURL:  cfg.HelixBaseURL,
	}

	// Live-info batcher coalescing per-channel fetches into multi-login queries.
	batcher := batch.New(func(fctx context.Context, channels []string) (map[string]twitchapi.StreamInfo, error) {
		return helix.GetStreams(fctx, channels...)
	}, &batch.Config{
		MinDelay: cfg.BatchMinDelay,
		MaxDelay: cfg.BatchMaxDelay,
		MaxBatch: cfg.BatchMaxSize,
	})
	defer batcher.Stop()

	// Shared anonymous chat connection.
	patterns := patterncache.New(cfg.PatternCacheSize, cfg.PatternCacheTTL)
	connector := chat.New(patterns)
	go func() {
		if err := connector.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("chat connection exited", slog.Any("err", err))
		}
	}()

	// Session registry and pubsub pool reference each other: the pool routes
	// notifications and dead-client reports into the registry.
	var sessions *session.Registry
	pool := hermes.NewPool(hermes.Config{
		URL:             cfg.PubsubURL,
		MaxClients:      cfg.PubsubMaxClients,
		TopicsPerClient: cfg.PubsubTopicsPerClient,
	}, func(n hermes.Notification) {
		sessions.HandleNotification(n)
	}, func(lost []string) {
		sessions.HandleLostTopics(lost)
	})
	defer pool.Close()

	snapshots := &db.SnapshotStore{DB: database}
	sessions = session.NewRegistry(session.Deps{
		Helix:     helix,
		Batcher:   batcher,
		Chat:      connector,
		Pubsub:    pool,
		Snapshots: snapshots,
		Sink:      broadcast.LogSink{},
		Cfg: session.Config{
			OnlineTTL:           cfg.OnlineTTL,
			OfflineTTL:          cfg.OfflineTTL,
			FetchTimeout:        cfg.FetchTimeout,
			RefreshInterval:     cfg.RefreshInterval,
			SnapshotInterval:    cfg.SnapshotInterval,
			BotSnapshotInterval: cfg.BotSnapshotInterval,
		},
	})
	defer sessions.Close()

	slog.Info("registering channels", slog.Int("channel_count", len(cfg.Channels)), slog.Any("channels", cfg.Channels))
	for _, name := range cfg.Channels {
		initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if _, err := sessions.Init(initCtx, name); err != nil {
			slog.Error("failed to register channel", slog.String("channel", name), slog.Any("err", err))
		}
		cancel()
	}

	// Poll loop drives offline->online transitions.
	go sessions.Run(ctx, cfg.PollInterval)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/channels/metrics)
	handlers := server.NewHandlers(database, sessions, snapshots)
	go func() {
		if err := server.Start(ctx, handlers, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
