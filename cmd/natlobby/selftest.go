package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/natlobby/natlobby/internal/config"
	"github.com/natlobby/natlobby/internal/connectivity"
	"github.com/natlobby/natlobby/internal/eventbus"
	"github.com/natlobby/natlobby/internal/events"
	"github.com/natlobby/natlobby/internal/gameclient"
	"github.com/natlobby/natlobby/internal/lobby"
	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/natrelay"
)

type selfTestConfig struct {
	Config      *config.Config
	Bus         *eventbus.Bus
	Listener    *natrelay.Listener
	RelayAddr   string
	Logger      *logging.Logger
	Emitter     events.Emitter
	BlockDirect bool
}

// selfTest plays both game clients of a probe on loopback: a host client
// that sends the direct probe and a peer client that reports what it
// receives. The relay listener runs for the duration of the test.
func selfTest(ctx context.Context, cfg selfTestConfig) (connectivity.Result, error) {
	prober, err := connectivity.New(connectivity.Config{
		Bus:            cfg.Bus,
		RelayAddr:      cfg.RelayAddr,
		DirectTimeout:  cfg.Config.DirectTimeout,
		RelayedTimeout: cfg.Config.RelayedTimeout,
		Logger:         cfg.Logger,
		Emitter:        cfg.Emitter,
	})
	if err != nil {
		return connectivity.Result{}, err
	}
	svc, err := lobby.New(lobby.Config{
		Prober:    prober,
		Bus:       cfg.Bus,
		CacheSize: cfg.Config.ResultCacheSize,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return connectivity.Result{}, err
	}

	host, err := gameclient.New(gameclient.Config{Host: "127.0.0.1", Logger: cfg.Logger})
	if err != nil {
		return connectivity.Result{}, err
	}
	defer host.Close()
	peer, err := gameclient.New(gameclient.Config{Host: "127.0.0.1", Logger: cfg.Logger})
	if err != nil {
		return connectivity.Result{}, err
	}
	defer peer.Close()

	report := func(source, payload string) {
		if cfg.BlockDirect {
			return
		}
		if err := svc.ReportDirectPacket(source, payload); err != nil {
			cfg.Logger.Warn("Failed to report direct packet: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error { return ignoreCanceled(cfg.Listener.Serve(runCtx)) })
	g.Go(func() error { return ignoreCanceled(peer.Run(runCtx, report)) })

	var result connectivity.Result
	g.Go(func() error {
		defer stop()
		var err error
		result, err = svc.Test(gctx, lobby.Player{
			ID:   "selftest",
			Conn: peer,
			Host: host,
			Addr: peer.LocalAddr().IP.String(),
			Port: peer.LocalAddr().Port,
		})
		return err
	})

	if err := g.Wait(); err != nil {
		return connectivity.Result{}, fmt.Errorf("probe failed: %w", err)
	}
	return result, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
