// Command voxaid is the Voxaid backend server: accounts, speech synthesis
// and the realtime conversation websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/voxaid/internal/auth"
	"github.com/MrWong99/voxaid/internal/config"
	"github.com/MrWong99/voxaid/internal/discovery"
	"github.com/MrWong99/voxaid/internal/llm"
	"github.com/MrWong99/voxaid/internal/lock"
	"github.com/MrWong99/voxaid/internal/observe"
	"github.com/MrWong99/voxaid/internal/server"
	"github.com/MrWong99/voxaid/internal/session"
	"github.com/MrWong99/voxaid/internal/storage"
	"github.com/MrWong99/voxaid/internal/stt"
	"github.com/MrWong99/voxaid/internal/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxaid: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxaid: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can change it while
	// the server is running.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxaid starting",
		"config", *configPath,
		"listen_addr", cfg.Server.Addr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxaid"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	met := observe.DefaultMetrics()

	// ── Storage ───────────────────────────────────────────────────────────────
	var store storage.Store
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()

		pg := storage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate postgres schema", "err", err)
			return 1
		}
		store = pg
	default:
		store = storage.NewFileStore(cfg.Storage.DataDir, logger)
	}

	// ── Locks ─────────────────────────────────────────────────────────────────
	// Redis coordinates session exclusivity across replicas; a single instance
	// gets by with the in-process locker.
	var locks lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locks = lock.NewRedisLocker(rdb, logger)
		slog.Info("using redis locks", "addr", cfg.Redis.Addr)
	}

	// ── Auth ──────────────────────────────────────────────────────────────────
	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret)
	if err != nil {
		slog.Error("failed to set up token signing", "err", err)
		return 1
	}
	var google auth.GoogleVerifier
	if cfg.Auth.GoogleClientID != "" {
		google = auth.NewIDTokenVerifier(cfg.Auth.GoogleClientID)
	}

	// ── Upstreams ─────────────────────────────────────────────────────────────
	llmOpts := []llm.Option{llm.WithLogger(logger)}
	if cfg.Upstreams.LLM.URL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.Upstreams.LLM.URL))
	}
	completer, err := llm.New(cfg.Upstreams.LLM.APIKey, cfg.Upstreams.LLM.Model, llmOpts...)
	if err != nil {
		slog.Error("failed to set up completion client", "err", err)
		return 1
	}

	synth := tts.New(cfg.Upstreams.TTS.URL,
		tts.WithAPIKey(cfg.Upstreams.TTS.APIKey),
		tts.WithDefaultVoice(cfg.Upstreams.TTS.DefaultVoice),
		tts.WithLogger(logger),
	)

	broker := discovery.NewBroker(map[string]discovery.Service{
		"stt": {URL: cfg.Upstreams.STT.URL, Internal: cfg.Upstreams.STT.Internal},
	}, discovery.WithMetrics(met))

	sttCfg := cfg.Upstreams.STT
	newTranscriber := func(ctx context.Context) (session.Transcriber, error) {
		return discovery.FindInstance(ctx, broker, "stt", func(url string) *stt.Client {
			return stt.NewClient(url,
				stt.WithProtocol(sttCfg.Protocol),
				stt.WithAPIKey(sttCfg.APIKey),
				stt.WithDelay(sttCfg.DelaySeconds),
				stt.WithMetrics(met),
				stt.WithLogger(logger),
			)
		})
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		Store:              store,
		Tokens:             tokens,
		Google:             google,
		GoogleClientID:     cfg.Auth.GoogleClientID,
		AllowPassword:      cfg.Auth.AllowPassword,
		Locks:              locks,
		TTS:                synth,
		Completer:          completer,
		LLMHealth:          completer.CheckHealth,
		Broker:             broker,
		NewTranscriber:     newTranscriber,
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Logger:             logger,
		Metrics:            met,
	})

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Changed() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AllowPasswordChanged {
			srv.SetAllowPassword(d.NewAllowPassword)
			slog.Info("password login toggled", "allow_password", d.NewAllowPassword)
		}
		if d.DefaultVoiceChanged || d.CORSChanged {
			slog.Warn("config change needs a restart to take effect",
				"default_voice_changed", d.DefaultVoiceChanged,
				"cors_changed", d.CORSChanged)
		}
	})
	if err != nil {
		slog.Error("failed to watch config file", "err", err)
		return 1
	}
	defer watcher.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		// Live websocket sessions don't finish on their own; cut them loose.
		slog.Warn("graceful shutdown timed out, closing connections", "err", err)
		httpSrv.Close()
	}

	slog.Info("goodbye")
	return 0
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
