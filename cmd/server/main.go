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
	"strconv"
	"syscall"
	"time"

	cozinhai "github.com/Savinicomunicacao/cozinhai-receitas-inteligentes"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/handlers"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine, the environment may already be set.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "cozinhai")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path of the YAML config file")
	flag.Parse()

	cfg, err := readConfig(*cfgFilePath)
	if err != nil {
		fatal(err)
	}

	logger := newLogger(cfg.LogLevel)

	stopTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		stopTracing, err = setupTracing(context.Background(), cfg.Tracing.Endpoint)
		if err != nil {
			fatal(err)
		}
		logger.Info("Tracing enabled")
	}

	prompts, err := services.LoadPrompts(cozinhai.PromptFS)
	if err != nil {
		fatal(err)
	}

	llm, err := cfg.LLM.llm(prompts, logger)
	if err != nil {
		fatal(err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(appDir, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		fatal(err)
	}

	m := handlers.NewMain(llm, cfg.Transcription.transcriber(logger), boltDB, cfg.Welcome, logger)
	limiter := handlers.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	r := newRouter(m, limiter, cfg.TrustProxy)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}

		// Answers still streaming get saved before the store closes.
		if err := m.Wait(ctx); err != nil {
			logger.Error("Pending answers were not saved", slog.String("err", err.Error()))
		}
	}

	if err := stopTracing(context.Background()); err != nil {
		logger.Error("Failed to stop tracing", slog.String("err", err.Error()))
	}
	if err := boltDB.Close(); err != nil {
		logger.Error("Failed to close store", slog.String("err", err.Error()))
	}
}

// newRouter wires the routes. The rate limiter keys on the connection address, so RealIP only runs
// when trustProxy says a reverse proxy in front of the server sets the forwarding headers.
func newRouter(m handlers.Main, limiter *handlers.RateLimiter, trustProxy bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	}))

	r.Get("/health", m.HandleHealth)
	r.Get("/sse/conversations", m.HandleSSE)
	r.Get("/conversations", m.HandleConversations)
	r.Get("/conversations/{id}", m.HandleConversation)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Post("/chat", m.HandleChat)
		r.Post("/parse-recipe", m.HandleParseRecipe)
		r.Post("/parse-shopping-items", m.HandleParseShoppingItems)
		r.Post("/transcribe", m.HandleTranscribe)
		r.Post("/conversations", m.HandleSendMessage)
	})

	return r
}

func readConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return loadConfig(nil)
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	return loadConfig(cfgFile)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					return slog.String("src", filepath.Base(source.File)+":"+strconv.Itoa(source.Line))
				}
			}
			return a
		},
	}))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
