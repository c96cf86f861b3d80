// Package app assembles and runs the bot: config, logging, storage, the
// Telegram adapter, the publication scheduler and the operator surface.
package app

import (
	"context"
	"fmt"
	"sync"

	"quotecast/internal/broadcast"
	"quotecast/internal/config"
	"quotecast/internal/onboarding"
	"quotecast/internal/publisher"
	"quotecast/internal/resolver"
	"quotecast/internal/router"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/internal/transport/telegram"
	"quotecast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger

	store   storage.Store
	adapter transport.Adapter
	pub     *publisher.Service
	router  *router.Router

	updates chan transport.Update

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, telegram.DefaultPollTimeout)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	tickEvery, err := config.ParseDurationOrDefault("publisher.tick_every", cfg.Publisher.TickEvery, 0)
	if err != nil {
		return nil, err
	}
	dispatchTimeout, err := config.ParseDurationOrDefault("publisher.dispatch_timeout", cfg.Publisher.DispatchTimeout, 0)
	if err != nil {
		return nil, err
	}
	pub, err := publisher.New(publisher.Config{
		Enabled:         cfg.PublisherEnabled(),
		TickEvery:       tickEvery,
		DefaultChance:   cfg.Publisher.DefaultChance,
		ErrorThreshold:  cfg.Publisher.ErrorThreshold,
		SendRatePerSec:  cfg.Publisher.SendRatePerSec,
		DispatchTimeout: dispatchTimeout,
		Timezone:        cfg.Publisher.Timezone,
	}, store, adapter, log.With(logx.String("comp", "publisher")))
	if err != nil {
		return nil, err
	}

	bcast := broadcast.New(broadcast.Config{
		RatePerSec: cfg.Broadcast.RatePerSec,
	}, store, adapter, log.With(logx.String("comp", "broadcast")))

	wizard := onboarding.New(store, resolver.New(adapter), cfg.CategoryList(),
		log.With(logx.String("comp", "onboarding")))

	rtr := router.New(adapter, store, wizard, pub, bcast, router.Config{
		OwnerUserIDs:       cfg.Bot.OwnerUserIDs,
		Categories:         cfg.CategoryList(),
		GroupEnableKeyword: cfg.Bot.GroupEnableKeyword,
	}, log.With(logx.String("comp", "router")))

	// Reloads push the runtime tunables into the running services. Token,
	// storage path and the tick cadence still need a restart.
	cfgm.SetOnChange(func(c *config.Config) {
		dt, err := config.ParseDurationOrDefault("publisher.dispatch_timeout", c.Publisher.DispatchTimeout, 0)
		if err != nil {
			log.Warn("reloaded dispatch timeout ignored", logx.Err(err))
		}
		pub.Reconfigure(publisher.Tunables{
			DefaultChance:   c.Publisher.DefaultChance,
			ErrorThreshold:  c.Publisher.ErrorThreshold,
			SendRatePerSec:  c.Publisher.SendRatePerSec,
			DispatchTimeout: dt,
		})
		bcast.SetRate(c.Broadcast.RatePerSec)
		rtr.SetConfig(router.Config{
			OwnerUserIDs:       c.Bot.OwnerUserIDs,
			Categories:         c.CategoryList(),
			GroupEnableKeyword: c.Bot.GroupEnableKeyword,
		})
		log.Info("runtime settings applied")
	})

	return &App{
		cfgm:    cfgm,
		log:     log,
		store:   store,
		adapter: adapter,
		pub:     pub,
		router:  rtr,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	if err := a.pub.Start(ctx); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-a.updates:
				a.router.Handle(ctx, upd)
			}
		}
	}()

	// Config file watch; commits feed the OnChange hook installed in New.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("bot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.pub.Stop(ctx); err != nil {
		a.log.Warn("publisher stop", logx.Err(err))
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("bot stopped")
	return a.log.Close()
}
