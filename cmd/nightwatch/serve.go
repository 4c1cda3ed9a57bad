// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/actuator/sim"
	"github.com/thoclabs/nightwatch/services/nightwatch/config"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
	"github.com/thoclabs/nightwatch/services/nightwatch/failsafe"
	"github.com/thoclabs/nightwatch/services/nightwatch/interlock"
	"github.com/thoclabs/nightwatch/services/nightwatch/server"
	"github.com/thoclabs/nightwatch/services/nightwatch/supervisor"
	"github.com/thoclabs/nightwatch/services/nightwatch/telemetry"
	"github.com/thoclabs/nightwatch/services/nightwatch/watchdog"
)

const shutdownGrace = 30 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagSimulate {
		cfg.Simulate = true
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()
	telemetry.SetBuildInfo(version, commit)
	logger.Info("nightwatch starting",
		"version", version,
		"site", cfg.Site.Name,
		"simulate", cfg.Simulate,
	)

	bus := events.NewBus(events.WithLogger(logger))
	locks := interlock.New(cfg.Interlock,
		interlock.WithLogger(logger),
		interlock.WithBus(bus),
	)

	fsOpts := []failsafe.Option{
		failsafe.WithLogger(logger),
		failsafe.WithBus(bus),
	}
	if cfg.Simulate {
		fsOpts = append(fsOpts,
			failsafe.WithMount(sim.NewMount(sim.MountConfig{})),
			failsafe.WithRoof(sim.NewRoof(sim.RoofConfig{})),
		)
	} else {
		logger.Warn("no instrument adapters configured, running diagnostics only")
	}
	fs := failsafe.New(cfg.Failsafe.Build(), fsOpts...)

	wd := watchdog.New(
		watchdog.WithLogger(logger),
		watchdog.WithBus(bus),
		watchdog.WithFailsafe(fs),
		watchdog.WithPollInterval(cfg.Watchdog.PollInterval()),
	)

	sup := supervisor.New(
		supervisor.WithLogger(logger),
		supervisor.WithBus(bus),
		supervisor.WithFailsafe(fs),
		supervisor.WithWatchdog(wd),
	)

	// Simulated instruments heartbeat on their own; real instrument
	// adapters would be registered here instead.
	if cfg.Simulate {
		for _, svcCfg := range cfg.Watchdog.ServiceConfigs() {
			if err := wd.Register(svcCfg); err != nil {
				return fmt.Errorf("register watchdog service %q: %w", svcCfg.Name, err)
			}
			pump := newHeartbeatPump(svcCfg.Name, svcCfg.HeartbeatInterval, wd)
			if err := sup.Register(svcCfg.Name, pump, svcCfg.Critical); err != nil {
				return fmt.Errorf("register service %q: %w", svcCfg.Name, err)
			}
		}
	}

	srv := server.New(cfg.Server,
		server.WithLogger(logger),
		server.WithBus(bus),
		server.WithInterlock(locks),
		server.WithFailsafe(fs),
		server.WithWatchdog(wd),
		server.WithSupervisor(sup),
		server.WithSite(cfg.Site.Name),
		server.WithVersion(version),
	)

	var watcher *config.Watcher
	if flagConfig != "" {
		watcher, err = config.NewWatcher(flagConfig, func(next *config.Config) {
			logger.Info("config reloaded, applying interlock thresholds")
			locks.UpdateConfig(next.Interlock)
		}, &config.WatcherOptions{Logger: logger})
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err.Error())
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ok := sup.StartAll(ctx); !ok {
		return fmt.Errorf("required service failed to start")
	}

	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go wd.Run(stopCh, &wg)
	go sup.RunHealthLoop(stopCh, &wg)

	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config hot-reload disabled", "error", err.Error())
		} else {
			defer watcher.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		close(stopCh)
		wg.Wait()
		sup.ShutdownAll(shutdownCtx, true)
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("nightwatch stopped")
	return err
}
