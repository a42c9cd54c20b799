package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaos-zhu/easyimg/cmd/migrate"
	"github.com/chaos-zhu/easyimg/internal/auth"
	"github.com/chaos-zhu/easyimg/internal/cache"
	"github.com/chaos-zhu/easyimg/internal/config"
	"github.com/chaos-zhu/easyimg/internal/filestore"
	"github.com/chaos-zhu/easyimg/internal/processor"
	"github.com/chaos-zhu/easyimg/internal/queue"
	"github.com/chaos-zhu/easyimg/internal/r2"
	"github.com/chaos-zhu/easyimg/internal/redisholder"
	"github.com/chaos-zhu/easyimg/internal/repository/badgerstore"
	"github.com/chaos-zhu/easyimg/internal/repository/storage"
	"github.com/chaos-zhu/easyimg/internal/transport/handler"
	"github.com/chaos-zhu/easyimg/internal/transport/router"
	use_case "github.com/chaos-zhu/easyimg/internal/use-case"
)

type ledgerStore interface {
	use_case.Ledger
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	HttpServer *http.Server

	cfg    *config.Config
	ledger ledgerStore
	worker *queue.Worker
	logger *slog.Logger
}

// New builds every component. ctx bounds background work such as the Redis
// health loop and should live as long as the process.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	ledger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a, err := build(ctx, cfg, ledger, logger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, ledger ledgerStore, logger *slog.Logger) (*App, error) {
	uploadDir, err := cfg.Upload.ResolveUploadDir()
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	files, err := filestore.New(uploadDir)
	if err != nil {
		return nil, err
	}
	logger.Info("upload directory ready", slog.String("dir", files.Root()))

	engine := processor.New(processor.Options{
		MaxConcurrent: cfg.Upload.MaxConcurrentTransforms,
		MaxDimension:  cfg.Upload.MaxDimension,
	})

	verifier, err := newVerifier(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	var (
		records use_case.Ledger = ledger
		mirror  use_case.MirrorQueue
		worker  *queue.Worker
	)
	if cfg.Redis.Enabled() {
		holder, err := redisholder.Build(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}

		records = cache.WrapLedger(ledger, cache.NewCache(cfg.Redis.Namespace, holder), cfg.Redis.CacheTTL*time.Second, logger)

		if cfg.Mirror.Enabled {
			mirror = queue.NewProducer(holder, cfg.Mirror.Stream, cfg.Mirror.MaxLen)
			worker = queue.NewWorker(holder, cfg.Mirror, r2.NewStorage(&cfg.R2, logger), files, logger)
		}
	}

	uc := use_case.New(records, files, engine, mirror, logger)
	h := handler.New(uc, verifier, ledger, cfg, logger)
	r := router.NewRouter(h, cfg.Server.CORSOrigins, logger)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &App{
		HttpServer: s,
		cfg:        cfg,
		ledger:     ledger,
		worker:     worker,
		logger:     logger,
	}, nil
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledgerStore, error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
				return nil, err
			}
			logger.Info("migrations applied")
		}
		return storage.New(ctx, cfg.Database.DSN)
	case "badger":
		logger.Info("using embedded ledger", slog.String("dir", cfg.Ledger.BadgerDir))
		return badgerstore.Open(cfg.Ledger.BadgerDir)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

func newVerifier(cfg config.AuthConfig, logger *slog.Logger) (auth.Verifier, error) {
	leeway := cfg.Leeway * time.Second
	if cfg.JWKSURL != "" {
		return auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWKSRefresh*time.Second, leeway, logger)
	}
	return auth.NewHMACVerifier(cfg.JWTSecret, leeway)
}

// Run serves HTTP (and the mirror worker when configured) until ctx is
// cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	defer a.ledger.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting server", slog.String("addr", a.HttpServer.Addr))
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.worker != nil {
		g.Go(func() error {
			return a.worker.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout*time.Second)
		defer cancel()
		return a.HttpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
