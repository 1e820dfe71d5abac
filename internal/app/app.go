package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/app/grpcapp"
	"ChatAssistant/internal/app/httpapp"
	"ChatAssistant/internal/config"
	"ChatAssistant/internal/lib/logger/sl"
	"ChatAssistant/internal/server/handlers"
	httpapi "ChatAssistant/internal/server/http"
	"ChatAssistant/internal/services/assistant"
	"ChatAssistant/internal/services/completion"
	"ChatAssistant/internal/services/conversation"
	"ChatAssistant/internal/services/retention"
	"ChatAssistant/internal/storage/inmemory"
	"ChatAssistant/internal/storage/postgresql"
)

// store is what both storage drivers provide.
type store interface {
	assistant.ChatLog
	assistant.FeedbackLog
	retention.Purger
}

type App struct {
	log        *slog.Logger
	HTTPServer *httpapp.App
	GRPCServer *grpcapp.App
	Assistant  *assistant.Service

	sweeper *retention.Sweeper
	closers []func() error
}

// New builds every component from cfg. Nothing is started yet.
func New(log *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.New"

	a := &App{log: log}

	st, err := a.newStore(cfg.Storage)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	buffer, pruner, err := a.newBuffer(cfg.Buffer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Completion.APIKey == "" {
		log.Warn("GROQ_API_KEY is empty, completion calls will be rejected by the provider")
	}
	completer := completion.New(log, cfg.Completion)

	a.Assistant = assistant.New(log, assistant.Deps{
		Buffer:    buffer,
		Completer: completer,
		Chats:     st,
		Feedback:  st,
	},
		assistant.WithStrictPersistence(cfg.Persistence.Mode == config.PersistenceStrict),
		assistant.WithIDAttempts(cfg.Persistence.IDAttempts),
	)

	var sweeperOpts []retention.Option
	if pruner != nil {
		sweeperOpts = append(sweeperOpts, retention.WithBufferPruner(pruner))
	}
	a.sweeper = retention.New(log, st, cfg.Retention.ChatTTL, cfg.Retention.Schedule, sweeperOpts...)

	api := httpapi.NewAPI(log, a.Assistant)
	ws := handlers.NewWebSocketHandler(log, a.Assistant, cfg.HTTP.AllowedOrigins)
	router := httpapi.NewRouter(log, cfg.HTTP, api, ws)
	a.HTTPServer = httpapp.New(log, cfg.HTTP, router)

	if cfg.GRPC.Enabled {
		a.GRPCServer = grpcapp.New(log, cfg.GRPC.Port)
	}

	return a, nil
}

func (a *App) newStore(cfg config.Storage) (store, error) {
	switch cfg.Driver {
	case config.StorageDriverMemory:
		a.log.Warn("using in-memory storage, chat and feedback logs are lost on restart")
		return inmemory.New(), nil
	default:
		if cfg.AutoMigrate {
			if err := postgresql.MigrateUp(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			a.log.Info("migrations applied")
		}
		st, err := postgresql.New(cfg.DatabaseURL, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	}
}

// newBuffer returns the pruner of the memory backend, nil for Redis.
func (a *App) newBuffer(cfg config.Buffer) (assistant.Buffer, retention.Pruner, error) {
	switch cfg.Backend {
	case config.BufferBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		a.log.Info("conversation buffer in redis", slog.String("addr", cfg.RedisAddr))
		return conversation.NewRedis(rdb, cfg.IdleTTL), nil, nil
	default:
		var opts []conversation.Option
		if cfg.MaxSessions > 0 {
			opts = append(opts, conversation.WithMaxSessions(cfg.MaxSessions))
		}
		if cfg.IdleTTL > 0 {
			opts = append(opts, conversation.WithIdleTTL(cfg.IdleTTL))
		}
		m := conversation.NewMemory(opts...)
		if cfg.IdleTTL > 0 {
			return m, m, nil
		}
		return m, nil, nil
	}
}

// MustRun starts the sweeper and blocks serving HTTP and, when enabled, gRPC.
// A panic in either server is re-raised here.
func (a *App) MustRun() {
	if err := a.sweeper.Start(); err != nil {
		panic(err)
	}

	wg := conc.NewWaitGroup()
	wg.Go(a.HTTPServer.MustRun)
	if a.GRPCServer != nil {
		wg.Go(a.GRPCServer.MustRun)
	}
	wg.Wait()
}

// Stop shuts the servers down, waits for a running sweep and closes storage.
func (a *App) Stop() {
	if err := a.HTTPServer.Stop(); err != nil {
		a.log.Error("failed to stop HTTP server", sl.Err(err))
	}
	if a.GRPCServer != nil {
		a.GRPCServer.Stop()
	}
	a.sweeper.Stop()
	a.close()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("failed to close resource", sl.Err(err))
		}
	}
	a.closers = nil
}
