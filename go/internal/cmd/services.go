package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/clients/openai_client"
	"github.com/mcdev12/quickpitch/go/internal/analysis"
	"github.com/mcdev12/quickpitch/go/internal/dbconfig"
	"github.com/mcdev12/quickpitch/go/internal/gateway"
	"github.com/mcdev12/quickpitch/go/internal/presence"
	"github.com/mcdev12/quickpitch/go/internal/room"
	"github.com/mcdev12/quickpitch/go/internal/roomtimer"
	"github.com/mcdev12/quickpitch/go/internal/rtc"
	"github.com/mcdev12/quickpitch/go/internal/slides"
)

type Services struct {
	Gateway  *gateway.Service
	Slides   *slides.Handler
	Analysis *analysis.Handler
	RTC      *rtc.TokenHandler

	// Long running loops started next to the HTTP server.
	background []func(ctx context.Context) error
	closers    []func()
}

// Close releases every backend in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Backends → Repository/Store layer → App layer → Handlers
	services := &Services{}
	fail := func(err error) (*Services, error) {
		services.Close()
		return nil, err
	}

	dbCfg := dbconfig.NewConfigFromEnv()
	clock := clockwork.NewRealClock()

	var pool *pgxpool.Pool
	if config.TimerStore.Driver == "postgres" || config.Slides.Repository == "postgres" {
		p, err := setupPool(ctx, dbCfg)
		if err != nil {
			return fail(err)
		}
		pool = p
		services.closers = append(services.closers, pool.Close)
	}

	// Presence medium and deck change notifications
	medium, notifier, err := setupPresence(ctx, config, services)
	if err != nil {
		return fail(err)
	}

	// Room timers
	timers, err := setupTimerStore(ctx, config, dbCfg, pool, clock, services)
	if err != nil {
		return fail(err)
	}

	// Slides
	slidesApp, err := setupSlides(ctx, config, pool, notifier, services)
	if err != nil {
		return fail(err)
	}
	services.Slides = slides.NewHandler(slidesApp)

	// Analysis
	analysisApp, err := setupAnalysis(ctx, config, dbCfg, services)
	if err != nil {
		return fail(err)
	}
	services.Analysis = analysis.NewHandler(analysisApp)

	// Call tokens
	tokens := rtc.NewTokenIssuer(rtc.TokenConfig{
		AppID:          config.RTC.AppID,
		AppCertificate: config.RTC.AppCertificate,
		Expiry:         config.RTC.TokenExpiry,
	}, clock)
	if !tokens.Configured() {
		log.Warn().Msg("AGORA_APP_ID or AGORA_APP_CERTIFICATE not set, call tokens are unavailable")
	}
	services.RTC = rtc.NewTokenHandler(tokens)

	// Gateway
	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.MeetingDuration = config.Room.Duration
	gatewayConfig.ConnectionConfig.TickInterval = config.Room.TickInterval
	services.Gateway = gateway.NewService(gatewayConfig, room.Deps{
		Medium: medium,
		Images: slidesApp,
		Timers: timers,
		Clock:  clock,
	}, slidesApp, notifier)
	services.background = append(services.background, services.Gateway.Start)

	return services, nil
}

func setupPresence(ctx context.Context, config *Config, services *Services) (presence.Medium, slides.Notifier, error) {
	switch config.Presence.Medium {
	case "memory":
		log.Warn().Msg("using in-process presence, rooms are not shared between instances")
		return presence.NewHub(), slides.NewLocalNotifier(), nil
	case "jetstream":
		jsConfig := presence.DefaultJetStreamConfig()
		jsConfig.URL = config.Presence.NATSURL
		if config.Presence.Bucket != "" {
			jsConfig.Bucket = config.Presence.Bucket
		}
		if config.Presence.HeartbeatInterval > 0 {
			jsConfig.HeartbeatInterval = config.Presence.HeartbeatInterval
		}
		if config.Presence.StaleAfter > 0 {
			jsConfig.StaleAfter = config.Presence.StaleAfter
		}

		medium, err := presence.NewJetStreamMedium(ctx, jsConfig)
		if err != nil {
			return nil, nil, err
		}
		services.closers = append(services.closers, func() {
			if err := medium.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to close presence medium")
			}
		})
		return medium, slides.NewNATSNotifier(medium.Conn()), nil
	default:
		return nil, nil, fmt.Errorf("unknown presence medium %q", config.Presence.Medium)
	}
}

func setupTimerStore(ctx context.Context, config *Config, dbCfg dbconfig.Config, pool *pgxpool.Pool, clock clockwork.Clock, services *Services) (roomtimer.Store, error) {
	switch config.TimerStore.Driver {
	case "memory":
		return roomtimer.NewMemoryStore(clock), nil
	case "sqlite":
		store, err := roomtimer.OpenSQLiteStore(ctx, config.TimerStore.SQLitePath)
		if err != nil {
			return nil, err
		}
		services.closers = append(services.closers, func() { store.Close() })
		return store, nil
	case "postgres":
		notifierConfig := roomtimer.DefaultNotifierConfig()
		notifierConfig.DatabaseURL = dbCfg.DSN()
		notifier, err := roomtimer.NewNotifier(notifierConfig)
		if err != nil {
			// Watchers fall back to polling.
			log.Warn().Err(err).Msg("room timer notifications unavailable")
		} else {
			services.background = append(services.background, notifier.Start)
		}

		store := roomtimer.NewPostgresStore(pool, notifier)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown timer store %q", config.TimerStore.Driver)
	}
}

func setupSlides(ctx context.Context, config *Config, pool *pgxpool.Pool, notifier slides.Notifier, services *Services) (*slides.App, error) {
	var repo slides.ImageRepository
	switch config.Slides.Repository {
	case "memory":
		repo = slides.NewMemoryRepository(config.Slides.Seed...)
	case "postgres":
		pgRepo := slides.NewRepository(pool)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		repo = pgRepo
	default:
		return nil, fmt.Errorf("unknown slide repository %q", config.Slides.Repository)
	}

	var cache slides.DeckCache
	if config.Slides.RedisURL != "" {
		redisCache, err := slides.NewRedisCache(ctx, config.Slides.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		services.closers = append(services.closers, func() { redisCache.Close() })
		cache = redisCache
		log.Info().Msg("deck cache enabled")
	}

	return slides.NewApp(repo, cache, notifier), nil
}

func setupAnalysis(ctx context.Context, config *Config, dbCfg dbconfig.Config, services *Services) (*analysis.App, error) {
	analysisConfig := analysis.Config{
		APIKey:       getEnv("OPENAI_API_KEY", ""),
		AssistantID:  getEnv("OPENAI_ASSISTANT_ID", ""),
		PollInterval: config.Analysis.PollInterval,
		MaxAttempts:  config.Analysis.MaxAttempts,
	}
	client := openai_client.NewOpenAIClient(analysisConfig.APIKey)

	var store analysis.Store
	if config.Analysis.Enabled {
		database, err := setupDatabase(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		repo := analysis.NewRepository(database)
		services.closers = append(services.closers, func() {
			if err := repo.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close analysis database")
			}
		})
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = repo
	}

	app := analysis.NewApp(analysisConfig, client, store, nil)
	if status := app.ConfigStatus(); status.Error != "" {
		log.Warn().Str("reason", status.Error).Msg("slide analysis is not configured")
	}
	return app, nil
}
