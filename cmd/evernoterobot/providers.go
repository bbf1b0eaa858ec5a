package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/evernoterobot/internal/bot"
	"github.com/memohai/evernoterobot/internal/cache"
	"github.com/memohai/evernoterobot/internal/commands"
	"github.com/memohai/evernoterobot/internal/config"
	"github.com/memohai/evernoterobot/internal/convert"
	"github.com/memohai/evernoterobot/internal/credentials"
	"github.com/memohai/evernoterobot/internal/db"
	"github.com/memohai/evernoterobot/internal/downloader"
	"github.com/memohai/evernoterobot/internal/handlers"
	"github.com/memohai/evernoterobot/internal/healthcheck"
	"github.com/memohai/evernoterobot/internal/logger"
	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/queue"
	"github.com/memohai/evernoterobot/internal/server"
	"github.com/memohai/evernoterobot/internal/storage/providers/localfs"
	"github.com/memohai/evernoterobot/internal/telegram"
	"github.com/memohai/evernoterobot/internal/users"
)

// coreModule carries what both the bot and the standalone worker need.
func coreModule(configPath string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (config.Config, error) { return loadConfig(configPath) },
			provideLogger,
			provideStore,
			provideQueue,
			provideTelegram,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

// downloaderModule wires the file download worker.
var downloaderModule = fx.Options(
	fx.Provide(
		provideLocalFS,
		provideConverter,
		provideWorker,
	),
	fx.Invoke(startWorker),
)

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, cfg config.Config) (db.Store, error) {
	store, err := db.Open(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func provideQueue(log *slog.Logger, store db.Store, cfg config.Config) *queue.Queue {
	return queue.New(log, store, queue.Options{MaxAttempts: cfg.Downloader.MaxAttempts})
}

func provideTelegram(log *slog.Logger, cfg config.Config) (*telegram.Client, error) {
	if cfg.Telegram.Token == "" {
		return nil, errors.New("telegram token is required (telegram.token or TELEGRAM_TOKEN)")
	}
	return telegram.NewClient(log, cfg.Telegram.Token, cfg.Telegram.PollTimeout)
}

func provideRedis(lc fx.Lifecycle, cfg config.Config) *cache.Redis {
	if cfg.Redis.URL == "" {
		return nil
	}
	r := cache.NewRedis(cache.NewRedisPool(cfg.Redis.URL), cfg.Redis.KeyPrefix, cfg.Cache.TTL.Duration)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return r.Close() }})
	return r
}

func provideCache(log *slog.Logger, cfg config.Config, r *cache.Redis) cache.Cache {
	front := cache.NewLRU(cfg.Cache.Capacity, cfg.Cache.TTL.Duration)
	if r == nil {
		return cache.NewLayered(log, front, nil)
	}
	return cache.NewLayered(log, front, r)
}

func provideNotes(log *slog.Logger, cfg config.Config) *notes.HTTPClient {
	return notes.NewHTTPClient(log, cfg.Notes.BaseURL, cfg.Notes.APIKey, cfg.Notes.Timeout.Duration)
}

func provideCredentials(log *slog.Logger, c cache.Cache, svc *users.Service, notesClient *notes.HTTPClient) *credentials.Cache {
	return credentials.New(log, c, svc, notesClient)
}

func provideUsers(log *slog.Logger, store db.Store) *users.Service {
	return users.NewService(log, store)
}

func provideCommands(cfg config.Config, tg *telegram.Client, creds *credentials.Cache, svc *users.Service, notesClient *notes.HTTPClient) (*commands.Registry, error) {
	return commands.Discover(commands.Builtin(commands.Deps{
		Messenger:   tg,
		Users:       creds,
		Sessions:    svc,
		Notes:       notesClient,
		CallbackURL: cfg.Notes.OAuthCallbackURL,
	})...)
}

func provideRouter(log *slog.Logger, cfg config.Config, tg *telegram.Client, svc *users.Service, creds *credentials.Cache, notesClient *notes.HTTPClient, q *queue.Queue, registry *commands.Registry) *bot.Router {
	return bot.New(log, bot.Deps{
		Messenger:   tg,
		Users:       svc,
		Credentials: creds,
		Notes:       notesClient,
		Downloads:   q,
		Commands:    registry,
	}, bot.Options{
		DownloadWait: cfg.Router.DownloadWait.Duration,
		AbandonWait:  cfg.Router.AbandonWait.Duration,
		VoiceTarget:  cfg.Converter.VoiceTarget,
	})
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func providePingHandler(log *slog.Logger, store db.Store, r *cache.Redis) *handlers.PingHandler {
	targets := map[string]healthcheck.Pinger{"database": store}
	if r != nil {
		targets["redis"] = r
	}
	return handlers.NewPingHandler(log, healthcheck.NewPingChecker(healthcheck.DefaultTimeout, targets))
}

func provideOAuthHandler(log *slog.Logger, cfg config.Config, svc *users.Service, creds *credentials.Cache, notesClient *notes.HTTPClient, tg *telegram.Client) *handlers.OAuthHandler {
	botURL := cfg.Telegram.BotURL
	if botURL == "" {
		botURL = tg.URL()
	}
	return handlers.NewOAuthHandler(log, svc, svc, creds, notesClient, tg, botURL)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func provideLocalFS(cfg config.Config) (*localfs.Provider, error) {
	return localfs.New(cfg.Downloader.Dir)
}

func provideConverter(log *slog.Logger, cfg config.Config) *convert.Converter {
	return convert.New(log, convert.Options{Timeout: cfg.Converter.Timeout.Duration})
}

func provideWorker(log *slog.Logger, cfg config.Config, q *queue.Queue, tg *telegram.Client, fs *localfs.Provider, conv *convert.Converter) *downloader.Worker {
	d := cfg.Downloader
	return downloader.New(log, q, tg, fs, conv, nil, downloader.Options{
		BatchSize:       d.BatchSize,
		WriteWorkers:    d.WriteWorkers,
		PollInterval:    d.PollInterval.Duration,
		DownloadTimeout: d.DownloadTimeout.Duration,
		StaleAfter:      d.StaleAfter.Duration,
		Retention:       d.Retention.Duration,
		MaxFileBytes:    d.MaxFileBytes,
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func startPolling(lc fx.Lifecycle, log *slog.Logger, tg *telegram.Client, router *bot.Router, registry *commands.Registry, shutdowner fx.Shutdowner) {
	runInBackground(lc, func(ctx context.Context) {
		if err := tg.SetCommands(ctx, registry.Infos()); err != nil {
			log.Warn("publish command menu failed", slog.Any("error", err))
		}
		if err := tg.Poll(ctx, router.Handle); err != nil {
			log.Error("telegram polling failed", slog.Any("error", err))
			_ = shutdowner.Shutdown()
		}
	})
}

func startWorker(lc fx.Lifecycle, log *slog.Logger, w *downloader.Worker, shutdowner fx.Shutdowner) {
	runInBackground(lc, func(ctx context.Context) {
		if err := w.Run(ctx); err != nil {
			log.Error("download worker failed", slog.Any("error", err))
			_ = shutdowner.Shutdown()
		}
	})
}

// runInBackground starts fn on app start and cancels it on stop, waiting for
// it to return or the stop deadline.
func runInBackground(lc fx.Lifecycle, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
