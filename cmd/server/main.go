package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/till/internal/config"
	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/kitchen"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/router"
	"github.com/kiwari-pos/till/internal/service"
	"github.com/kiwari-pos/till/internal/upstream"
	"github.com/kiwari-pos/till/internal/worker"
	"github.com/kiwari-pos/till/internal/ws"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logger.L().WithError(err).Fatal("till stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lc := logger.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Path = cfg.LogPath
	if err := logger.Init(lc); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.For("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	// Kitchen tickets are optional; without a broker they are dropped.
	var notifier service.KitchenNotifier = kitchen.Noop{}
	if cfg.AMQPURL != "" {
		pub, err := kitchen.Dial(cfg.AMQPURL)
		if err != nil {
			log.WithError(err).Warn("kitchen broker unreachable, tickets disabled")
		} else {
			defer pub.Close()
			notifier = pub
		}
	}

	pusher := upstream.NewClient(upstream.Config{
		BaseURL:  cfg.BackendURL,
		Secret:   cfg.BackendSecret,
		BranchID: cfg.BranchID,
		POSID:    cfg.PosID,
		Timeout:  cfg.SyncTimeout,
	})

	bus := events.NewBus()
	queries := database.New(pool)
	engine := service.NewEngine(queries, pool,
		func(db database.DBTX) service.TransferStore {
			return database.New(db)
		},
		bus, notifier, pusher,
		service.EngineConfig{
			BranchCode:  cfg.BranchCode,
			POSID:       cfg.PosID,
			TaxRate:     cfg.TaxRate,
			Timers:      model.TimerThresholds{Warning: cfg.TimerWarning, Overdue: cfg.TimerOverdue},
			SyncTimeout: cfg.SyncTimeout,
		})

	layout := service.Layout(cfg.DineInSlots, cfg.TakeawaySlots, cfg.DeliverySlots)
	if err := engine.Start(ctx, layout); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	hub := ws.NewHub()
	sub, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(cfg, engine, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Forward(gctx, sub, cfg.BranchID)
		return nil
	})
	g.Go(func() error {
		engine.RetryUnsynced(gctx)
		return nil
	})
	g.Go(func() error {
		worker.NewTimerWorker(engine.Slots, bus, time.Second).Start(gctx)
		return nil
	})
	g.Go(func() error {
		worker.NewRetentionWorker(engine.Overlays, cfg.Retention, time.Hour).Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"branch": cfg.BranchID,
			"pos":    cfg.PosID,
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	engine.Wait()
	log.Info("server stopped")
	return err
}
