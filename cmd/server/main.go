// Command server runs the plugin lifecycle orchestrator: it reconciles
// persisted state against the container daemon, then serves the HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/forgeplatform/plugind/api/handlers"
	"github.com/forgeplatform/plugind/internal/config"
	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/gateway"
	"github.com/forgeplatform/plugind/internal/lifecycle"
	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/platform"
	"github.com/forgeplatform/plugind/internal/ports"
	"github.com/forgeplatform/plugind/internal/registry"
	"github.com/forgeplatform/plugind/internal/runtime"
	"github.com/forgeplatform/plugind/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("server")
	log.Info().Str("version", version).Msg("plugind starting")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store failure at startup is fatal by contract.
	startupCtx, startupCancel := context.WithTimeout(rootCtx, 30*time.Second)
	st, err := store.Open(startupCtx, cfg.DSN())
	startupCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("store unavailable")
	}
	defer st.Close()

	driver, err := runtime.New(cfg.ContainerPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("create container driver")
	}
	if err := driver.Ping(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("container daemon unreachable")
	}

	bus := events.New()
	defer bus.Close()

	// Best-effort audit trail: store writes never back up the publisher.
	storeFeed := bus.Subscribe("store", 256)
	go func() {
		for rec := range storeFeed {
			st.AppendEvent(rootCtx, rec)
		}
	}()

	gw := gateway.New(cfg.GatewayAdminURL)
	if gw.Enabled() {
		log.Info().Str("adminUrl", cfg.GatewayAdminURL).Msg("gateway publishing enabled")
	}

	allocator := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd, driver.PublishedPorts)
	platformSvc := platform.New(cfg, st.DB())

	engine := lifecycle.New(st, driver, allocator, gw, bus, platformSvc, cfg)
	defer engine.Close()

	if err := engine.Reconcile(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("reconciliation failed")
	}

	reg := registry.New(st)
	if cfg.RegistrySeedPath != "" {
		if err := reg.ApplySeed(rootCtx, cfg.RegistrySeedPath); err != nil {
			log.Error().Err(err).Str("path", cfg.RegistrySeedPath).Msg("seed load failed")
		}
		go func() {
			if err := reg.WatchSeed(rootCtx, cfg.RegistrySeedPath); err != nil && rootCtx.Err() == nil {
				log.Warn().Err(err).Msg("seed watcher stopped")
			}
		}()
	}
	go func() {
		if err := reg.RefreshAll(rootCtx); err != nil {
			log.Warn().Err(err).Msg("initial catalog refresh failed")
		}
	}()
	if _, err := reg.StartRefreshSchedule(rootCtx, cfg.RegistryRefreshCron); err != nil {
		log.Error().Err(err).Str("spec", cfg.RegistryRefreshCron).Msg("invalid refresh schedule")
	}

	srv := handlers.New(engine, reg, st, bus, cfg, version, driver.Ping)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listener failed")
		}
	}()

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify ready failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		log.Debug().Err(err).Msg("sd_notify stopping failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	cancel()
	log.Info().Msg("stopped")
}
