package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/handlers"
	"together-backend/internal/middleware"
	"together-backend/internal/repository"
	"together-backend/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "together:"

func Run() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Log.Level)

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open store")
	}
	defer store.Close()
	log.Info().Str("backend", cfg.Store.Backend).Msg("Store connection established")

	app := newApp(store, clock.Real(), cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(app),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// openStore connects the configured document store backend
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := repository.NewRedisStore(client, redisKeyPrefix)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store, nil

	default:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to parse database config: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		db, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := repository.NewPostgresStore(db)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
}

// app wires the engine services over one store
type app struct {
	auth        *services.AuthService
	couples     *services.CoupleService
	cooldowns   *services.CooldownService
	rewards     *services.RewardService
	progression *services.ProgressionService
	quests      *services.QuestService
	matches     *services.MatchService
	wsHub       *services.WSHub
}

func newApp(store repository.Store, clk clock.Clock, cfg *config.Config, opts ...services.QuestOption) *app {
	engine := cfg.Engine
	couples := services.NewCoupleService(store, clk)
	cooldowns := services.NewCooldownService(store, clk, engine)
	rewards := services.NewRewardService(store, clk, engine)
	progression := services.NewProgressionService(store, clk, engine)

	return &app{
		auth:        services.NewAuthService(cfg.JWT.Secret, clk),
		couples:     couples,
		cooldowns:   cooldowns,
		rewards:     rewards,
		progression: progression,
		quests:      services.NewQuestService(store, clk, couples, rewards, progression, engine, opts...),
		matches:     services.NewMatchService(store, clk, couples, cooldowns, rewards, engine),
		wsHub:       services.NewWSHub(couples),
	}
}

func newRouter(a *app) http.Handler {
	userHandler := handlers.NewUserHandler(a.auth)
	coupleHandler := handlers.NewCoupleHandler(a.couples, a.wsHub)
	questHandler := handlers.NewQuestHandler(a.quests, a.couples, a.wsHub)
	ledgerHandler := handlers.NewLedgerHandler(a.progression, a.rewards, a.couples)
	activityHandler := handlers.NewActivityHandler(a.cooldowns, a.matches, a.couples, a.wsHub)
	wsHandler := handlers.NewWebSocketHandler(a.wsHub, a.auth, a.couples)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/users", userHandler.CreateUser)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(a.auth))

			r.Post("/couples", coupleHandler.Link)
			r.Get("/couples/me", coupleHandler.Get)

			r.Get("/quests/today", questHandler.Today)
			r.Get("/quests/all-complete", questHandler.AllComplete)
			r.Post("/quests/{quest_id}/complete", questHandler.Complete)

			r.Get("/progression", ledgerHandler.Progression)
			r.Get("/balance", ledgerHandler.Balance)
			r.Get("/rewards", ledgerHandler.History)
			r.Get("/rewards/{dedup_key}", ledgerHandler.Reward)

			r.Get("/activities/{activity}/cooldown", activityHandler.Cooldown)
			r.Post("/activities/{activity}/matches", activityHandler.StartMatch)
			r.Get("/matches/{match_id}", activityHandler.GetMatch)
			r.Post("/matches/{match_id}/turns", activityHandler.SubmitTurn)
		})
	})

	r.Get("/ws", wsHandler.HandleWebSocket)

	return r
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
