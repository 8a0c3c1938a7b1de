package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/cognitutor"
	"github.com/MegaGrindStone/cognitutor/internal/handlers"
	"github.com/MegaGrindStone/cognitutor/internal/metrics"
	"github.com/MegaGrindStone/cognitutor/internal/services"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const errLoggerKey = "err"

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fatal(slog.Default(), "Error getting user config dir", err)
	}
	cfgPath := filepath.Join(cfgDir, "cognitutor")

	configFile := flag.String("config", filepath.Join(cfgPath, "config.yaml"), "path to the configuration file")
	flag.Parse()

	// A missing .env file is fine, the environment may be set elsewhere.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal(slog.Default(), "Error loading .env file", err)
	}

	cfg, env, err := loadConfig(*configFile)
	if err != nil {
		fatal(slog.Default(), "Error loading config", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, env, cfgPath, logger); err != nil {
		fatal(logger, "Server error", err)
	}
}

func run(cfg config, env envConfig, cfgPath string, logger *slog.Logger) error {
	llm, err := cfg.LLM.llm(env, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}
	speech, err := cfg.TTS.synthesizer(env)
	if err != nil {
		return fmt.Errorf("error creating speech synthesizer: %w", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if err := os.MkdirAll(cfgPath, 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := handlers.NewMain(handlers.Config{
		Subjects:         cfg.Subjects,
		LLM:              llm,
		Speech:           speech,
		Diagrams:         services.NewKroki(cfg.Diagram.KrokiURL),
		FontFamily:       cfg.Diagram.FontFamily,
		Voice:            cfg.Voice,
		ConciseDirective: cfg.ConciseDirective,
		Store:            boltDB,
		Metrics:          metrics.New(reg),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(cognitutor.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/{$}", m.HandleHome)
	mux.HandleFunc("/sse", m.HandleSSE)

	mux.HandleFunc("GET /login", m.HandleLoginPage)
	mux.HandleFunc("POST /login", m.HandleLogin)
	mux.HandleFunc("/signup", m.HandleSignup)
	mux.HandleFunc("/reset", m.HandleReset)
	mux.HandleFunc("/logout", m.HandleLogout)

	mux.HandleFunc("/chat", m.HandleChat)
	mux.HandleFunc("/chat/action", m.HandleAction)
	mux.HandleFunc("/chat/input", m.HandleInput)
	mux.HandleFunc("/chat/clear", m.HandleClear)
	mux.HandleFunc("/chat/export", m.HandleExport)
	mux.HandleFunc("/subject", m.HandleSubject)
	mux.HandleFunc("/settings", m.HandleSettings)
	mux.HandleFunc("/search", m.HandleSearch)

	mux.HandleFunc("/voice/capability", m.HandleVoiceCapability)
	mux.HandleFunc("/voice/toggle", m.HandleVoiceToggle)
	mux.HandleFunc("/voice/language", m.HandleVoiceLanguage)
	mux.HandleFunc("/voice/result", m.HandleVoiceResult)
	mux.HandleFunc("/voice/error", m.HandleVoiceError)
	mux.HandleFunc("/voice/end", m.HandleVoiceEnd)

	mux.HandleFunc("/audio/play", m.HandleAudioPlay)
	mux.HandleFunc("/audio/ended", m.HandleAudioEnded)
	mux.HandleFunc("/audio/clip/{id}", m.HandleAudioClip)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.Int("subjects", len(cfg.Subjects)))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return err

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Event streams never end on their own, so they are closed before the server waits for idle
		// connections.
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	os.Exit(1)
}
