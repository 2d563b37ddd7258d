// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command fabricd runs a directory sync host: it joins the configured peers,
// registers the configured services and keeps peers in sync until stopped.
//
// SIGUSR1 dumps the directory, peers and metrics to stdout. SIGHUP resyncs
// every peer. SIGINT and SIGTERM shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/fabric/config"
	"github.com/luxfi/fabric/dirsync"
	"github.com/luxfi/fabric/internal/observability"
	"github.com/luxfi/fabric/transport"
)

func main() {
	configPath := flag.String("config", "", "path to fabricd.yaml (default: search ., /etc/fabric, ~/.fabric)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer zap.ReplaceGlobals(logger)()

	listen, err := cfg.ListenDescriptor()
	if err != nil {
		return err
	}
	opts := []dirsync.Option{
		dirsync.WithLogger(logger),
		dirsync.WithTransportOptions(cfg.TransportOptions()...),
		dirsync.WithCallTimeout(cfg.Timeouts.Call),
		dirsync.WithDrainTimeout(cfg.Timeouts.Drain),
	}
	if cfg.StatePath != "" {
		store, err := dirsync.OpenStore(cfg.StatePath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, dirsync.WithStore(store))
	}

	svc, err := dirsync.New(dirsync.Config{HostID: cfg.HostID, Listen: listen}, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("fabricd started",
		zap.String("host", svc.Host()),
		zap.Stringer("listen", svc.Descriptor()),
		zap.Int("peers", len(cfg.Peers)),
		zap.Int("services", len(cfg.Services)),
	)

	for _, p := range cfg.Peers {
		if _, err := svc.Join(ctx, transport.MustParse(p)); err != nil {
			logger.Warn("join failed, will retry on resync", zap.String("peer", p), zap.Error(err))
		}
	}
	for _, s := range cfg.Services {
		if err := svc.Register(ctx, s.Name, s.Address); err != nil {
			logger.Warn("register incomplete", zap.String("service", s.Name), zap.Error(err))
		}
	}

	return loop(ctx, svc, cfg.ResyncInterval, logger)
}

func loop(ctx context.Context, svc *dirsync.Service, every time.Duration, log *zap.Logger) error {
	sigs := make(chan os.Signal, 1)
	notifyControl(sigs)
	defer signal.Stop(sigs)

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-tick:
			resync(ctx, svc, log)
		case sig := <-sigs:
			switch control(sig) {
			case controlDump:
				if err := svc.Dump(os.Stdout); err != nil {
					log.Error("dump failed", zap.Error(err))
				}
			case controlResync:
				log.Info("resync requested")
				resync(ctx, svc, log)
			}
		}
	}
}

func resync(ctx context.Context, svc *dirsync.Service, log *zap.Logger) {
	if err := svc.ResyncAll(ctx); err != nil {
		log.Warn("resync incomplete", zap.Error(err))
	}
}
