package app

import (
	"context"
	"log/slog"

	"trackauth/internal/config"
	"trackauth/internal/lib/hasher"
	"trackauth/internal/lib/jwt"
	"trackauth/internal/services/auth"
	"trackauth/internal/services/token"
	"trackauth/internal/storage/mongodb"
	redisstore "trackauth/internal/storage/redis"
	"trackauth/internal/storage/sqlite"
)

// userStorage is the full contract the primary store must satisfy.
type userStorage interface {
	auth.UserSaver
	auth.UserProvider
	token.RefreshTokenStore
	token.BlacklistStore
}

type App struct {
	Auth   *auth.Auth
	Tokens *token.Service

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closers     []func(context.Context) error
}

// New wires storage, codec and services from configuration and starts
// the blacklist sweeper.
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*App, error) {
	a := &App{}

	var store userStorage
	switch cfg.Storage {
	case "mongo":
		mongoStore, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mongoStore.Close)
		store = mongoStore
	default:
		sqliteStore, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return sqliteStore.Close() })
		store = sqliteStore
	}

	var refreshStore token.RefreshTokenStore = store
	var blacklistStore token.BlacklistStore = store
	if cfg.Redis.Addr != "" {
		redisStore, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return redisStore.Close() })
		refreshStore = redisStore
		blacklistStore = redisStore
	}

	codec := jwt.NewCodec([]byte(cfg.JWTSecret))
	tokenService := token.New(
		logger,
		codec,
		refreshStore,
		blacklistStore,
		store,
		cfg.TokenTTL,
		cfg.RefreshPepper,
	)
	authService := auth.New(logger, store, store, hasher.NewBcrypt(), tokenService)

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})
	go func() {
		defer close(a.sweepDone)
		tokenService.RunSweeper(sweepCtx, cfg.SweepInterval)
	}()

	a.Auth = authService
	a.Tokens = tokenService

	return a, nil
}

// Stop halts the sweeper and closes storage connections.
func (a *App) Stop(ctx context.Context) {
	a.sweepCancel()
	<-a.sweepDone

	for _, closeFn := range a.closers {
		_ = closeFn(ctx)
	}
}
