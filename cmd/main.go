// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/open-idcs/openidcs/internal/api"
	"github.com/open-idcs/openidcs/internal/catalog"
	"github.com/open-idcs/openidcs/internal/conf"
	"github.com/open-idcs/openidcs/internal/db"
	"github.com/open-idcs/openidcs/internal/manager"
	"github.com/open-idcs/openidcs/internal/monitoring"
	"github.com/open-idcs/openidcs/internal/mqtt"
	"github.com/open-idcs/openidcs/internal/probe"
	"github.com/open-idcs/openidcs/internal/vncgate"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run the prometheus metrics server for monitoring.
func runMonitoringServer(ctx context.Context, registry *monitoring.Registry, config conf.MonitoringConfig) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	slog.Info("metrics listening", "port", config.Port)
	addr := fmt.Sprintf(":%d", config.Port)
	if err := httpext.ListenAndServeContext(ctx, addr, mux); err != nil {
		panic(err)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		// If called with `--version`, report version and exit (the Dockerfile
		// uses this to check if the binary was built correctly)
		bininfo.HandleVersionArgument()
	}

	config := conf.GetConfigOrDie[*conf.SharedConfig]()
	config.GetLoggingConfig().SetDefaultLogger()

	// Set runtime concurrency to match CPU limit imposed by Kubernetes
	undoMaxprocs := must.Return(maxprocs.Set(maxprocs.Logger(slog.Debug)))
	defer undoMaxprocs()

	// Override User-Agent header for all requests made by this process
	// (logs will show e.g. "openidcs/d0c9faa" instead of "Go-http-client/2.0")
	wrap := httpext.WrapTransport(&http.DefaultTransport)
	wrap.SetOverrideUserAgent(bininfo.Component(), bininfo.VersionOr("rolling"))

	// This context will gracefully shutdown when the process receives the
	// standard shutdown signal SIGINT, with a 10-second delay to allow
	// Kubernetes to stop sending new requests well before the process starts
	// to shut down.
	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	// Set up the monitoring registry and database connection.
	registry := monitoring.NewRegistry(config.GetMonitoringConfig())

	database := db.NewPostgresDB(config.GetDBConfig(), db.NewDBMonitor(registry))
	defer database.Close()

	go runMonitoringServer(ctx, registry, config.GetMonitoringConfig())

	mqttClient := mqtt.NewClient(config.GetMQTTConfig(), mqtt.NewMQTTMonitor(registry))
	if err := mqttClient.Connect(); err != nil {
		panic("failed to connect to mqtt broker: " + err.Error())
	}

	store := catalog.NewStore(database)
	store.Init()

	managerConfig := config.GetManagerConfig()
	savingRoot := managerConfig.SavingRoot
	if savingRoot == "" {
		savingRoot = catalog.DefaultSavingRoot
	}

	// The console gateway must be up before any adapter registers a session.
	vncConfig := config.GetVNCConfig()
	gateway := must.Return(vncgate.New(vncConfig.PublicHost, vncConfig.Port, vncConfig.WebRoot, savingRoot))
	must.Succeed(gateway.Start(ctx))

	mgr := manager.NewManager(managerConfig, manager.EngineDeps{
		Store:           store,
		Prober:          probe.NewProber(),
		Gateway:         gateway,
		StatusRetention: managerConfig.StatusRetention,
	}, mqttClient, manager.NewManagerMonitor(registry))
	must.Succeed(mgr.LoadAll(ctx))

	// First poll runs in the background so startup is not gated on slow
	// backends, the periodic loop takes over from there.
	go mgr.Tick(ctx)
	go mgr.TickPeriodic(ctx)

	// Run the api server after all other tasks have been started. Blocks
	// until the shutdown signal arrives.
	api.NewAPI(config.GetAPIConfig(), mgr, api.NewAPIMonitor(registry)).Init(ctx)

	// The signal context is already done here, give the backend unloads a
	// short window of their own.
	exitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.ExitAll(exitCtx)
}
