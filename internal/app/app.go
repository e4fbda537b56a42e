// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/diskstat-web/internal/blockdev"
	"github.com/skobkin/diskstat-web/internal/config"
	"github.com/skobkin/diskstat-web/internal/diskstats"
	"github.com/skobkin/diskstat-web/internal/httpserver"
	"github.com/skobkin/diskstat-web/internal/procscan"
	"github.com/skobkin/diskstat-web/internal/sampler"
	"github.com/skobkin/diskstat-web/internal/sysinfo"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle and blocks until ctx is
// canceled or a service fails.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	system, err := sysinfo.Discover(cfg.ProcRoot)
	if err != nil {
		return fmt.Errorf("discover system info: %w", err)
	}
	appLogger.Info("system info", "hostname", system.Hostname, "cpus", system.CPUs, "clock_ticks", system.ClockTicks)

	devices, err := blockdev.Discover(cfg.SysfsRoot, cfg.ProcRoot, baseLogger.With("component", "blockdev_discovery"))
	if err != nil {
		return fmt.Errorf("discover block devices: %w", err)
	}
	appLogger.Info("discovered block devices", "count", len(devices))

	source, err := diskstats.NewSystemSource(cfg.ProcRoot)
	if err != nil {
		return fmt.Errorf("init diskstats source: %w", err)
	}

	filter := blockdev.Filter{
		Devices:           cfg.Devices.Names,
		IncludePartitions: cfg.Devices.IncludePartitions,
		IncludeVirtual:    cfg.Devices.IncludeVirtual,
	}
	classifier := blockdev.NewClassifier(cfg.SysfsRoot)
	keep := filter.Predicate(classifier)

	samplerManager, err := sampler.NewManager(cfg.SampleInterval, source, keep, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}
	samplerManager.OnDeviceChange(classifier.Forget)
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	var procManager *procscan.Manager
	if cfg.Proc.Enable {
		procManager, err = procscan.NewManager(cfg.Proc, cfg.ProcRoot, baseLogger)
		if err != nil {
			return fmt.Errorf("init proc scanner: %w", err)
		}
		defer func() {
			if err := procManager.Close(); err != nil {
				appLogger.Warn("proc manager close", "err", err)
			}
		}()
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), devices, system, samplerManager, procManager)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ignoreCanceled(samplerManager.Run(groupCtx))
	})
	if procManager != nil {
		group.Go(func() error {
			return ignoreCanceled(procManager.Run(groupCtx))
		})
	}

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)
	group.Go(srv.Start)

	group.Go(func() error {
		<-groupCtx.Done()
		if ctx.Err() != nil {
			appLogger.Info("shutdown initiated", "reason", ctx.Err())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	appLogger.Info("shutdown complete")
	return nil
}

func ignoreCanceled(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
