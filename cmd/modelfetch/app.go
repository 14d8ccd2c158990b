package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/integrity"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/modelrepo"
	"github.com/shepherd-project/modelfetch/internal/registry"
	"github.com/shepherd-project/modelfetch/internal/service"
	"github.com/shepherd-project/modelfetch/internal/storage"
)

// app is the object graph shared by every subcommand
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *registry.Registry
	storage  *storage.Manager
	manager  *download.Manager
	svc      *service.Service
}

// newApp wires catalog, storage, download manager and service from the configuration.
// Console commands stay quiet unless verbose; the server always logs.
func newApp(cfg *config.Config, quiet bool) (*app, error) {
	logCfg := cfg.Log
	if quiet {
		// keep the console for progress bars and tables
		if logCfg.Directory != "" {
			logCfg.Output = "file"
		} else {
			logCfg.Level = "error"
		}
	}
	if err := logger.InitLogger(&logCfg, "modelfetch"); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := logger.GetLogger()

	reg, err := loadRegistry(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	opts := []download.Option{
		download.WithLogger(log),
		download.WithChecker(integrity.NewChecker(integrity.Options{Workers: cfg.Download.VerifyWorkers, Logger: log})),
		download.WithClient(modelrepo.NewClient(modelrepo.Options{
			HuggingFaceEndpoint: cfg.Download.ModelRepo.HuggingFaceEndpoint,
			HuggingFaceToken:    cfg.Download.ModelRepo.HuggingFaceToken,
			ModelScopeEndpoint:  cfg.Download.ModelRepo.ModelScopeEndpoint,
			UserAgent:           cfg.Download.UserAgent,
			ConnectTimeout:      cfg.Download.ConnectTimeout,
		})),
	}
	if cfg.Download.InstallDependencies {
		opts = append(opts, download.WithInstaller(download.NewPipInstaller(cfg.Download.Python, log)))
	}
	mgr := download.NewManager(download.NewConfig(cfg.Download), reg, opts...)

	svc := service.New(mgr, service.Options{
		MaxConcurrent: cfg.Download.MaxConcurrent,
		Store:         store.GetStore(),
		Logger:        log,
	})

	return &app{cfg: cfg, log: log, registry: reg, storage: store, manager: mgr, svc: svc}, nil
}

func loadRegistry(cfg config.CatalogConfig) (*registry.Registry, error) {
	if cfg.Path == "" {
		return registry.DefaultCatalog(), nil
	}
	reg, err := registry.LoadCatalog(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", cfg.Path, err)
	}
	return reg, nil
}

// close cancels downloads still running, then closes the store and flushes logs
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := errors.Join(a.svc.Shutdown(ctx), a.storage.Close())
	// Sync on a terminal stdout reports EINVAL, nothing to act on
	_ = a.log.Close()
	return err
}
