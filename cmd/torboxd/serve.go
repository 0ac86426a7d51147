// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jittarao/torboxd/internal/api"
	"github.com/jittarao/torboxd/internal/config"
	"github.com/jittarao/torboxd/internal/crypto"
	"github.com/jittarao/torboxd/internal/database"
	"github.com/jittarao/torboxd/internal/logger"
	"github.com/jittarao/torboxd/internal/metrics"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/services/poller"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polling scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	return cmd
}

// app holds the wired process: catalog, stores, scheduler, servers.
type app struct {
	cfg       *config.AppConfig
	catalog   *database.DB
	manager   *userstore.Manager
	clients   *torbox.ClientCache
	scheduler *poller.Scheduler
	server    *api.Server
	metrics   *metrics.Manager
}

func buildApp(configPath string) (*app, error) {
	appCfg, err := config.New(configPath)
	if err != nil {
		return nil, err
	}
	cfg := appCfg.Config

	logger.Setup(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog, err := database.Open(appCfg.GetDatabasePath(), database.SchemaCatalog)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	saltPath := filepath.Join(filepath.Dir(appCfg.GetDatabasePath()), ".keysalt")
	salt, err := crypto.LoadOrCreateKeySalt(saltPath)
	if err != nil {
		return nil, err
	}
	encryptor, err := crypto.NewAESEncryptor(crypto.DeriveKey(cfg.EncryptionSecret, salt))
	if err != nil {
		return nil, err
	}

	registry := models.NewRegistryStore(catalog)
	apiKeys := models.NewAPIKeyStore(catalog)

	pool := userstore.NewPool(userstore.PoolConfig{
		MaxSize:           cfg.MaxDBConnections,
		EvictionThreshold: cfg.PoolEvictionThreshold,
		IdleTimeout:       cfg.PoolIdleTimeout(),
	})
	manager := userstore.NewManager(pool, registry, apiKeys, encryptor, appCfg.GetStoreDir())

	clients := torbox.NewClientCache(manager.DecryptCredential, torbox.Options{
		BaseURL:           cfg.TorboxBaseURL,
		RequestsPerMinute: cfg.TorboxRequestsPerMinute,
	})

	scheduler := poller.NewScheduler(cfg, manager, registry, clients)
	server := api.NewServer(cfg, catalog, scheduler, apiKeys)

	a := &app{
		cfg:       appCfg,
		catalog:   catalog,
		manager:   manager,
		clients:   clients,
		scheduler: scheduler,
		server:    server,
	}

	if cfg.MetricsEnabled {
		a.metrics = metrics.NewManager(scheduler, pool)
	}

	return a, nil
}

func runServe(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.catalog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.cfg.Watch()
	defer a.cfg.Stop()

	errCh := make(chan error, 3)

	go func() { errCh <- a.server.Serve(ctx) }()
	if a.metrics != nil {
		go func() {
			errCh <- a.metrics.Serve(ctx, a.cfg.Config.MetricsHost, a.cfg.Config.MetricsPort)
		}()
	}
	go func() {
		a.scheduler.Start(ctx)
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	cancel()
	a.scheduler.Stop()
	a.clients.Clear()

	return nil
}
