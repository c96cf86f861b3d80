package publisher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"quotecast/internal/channel"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Enabled bool

	// TickEvery is the evaluation cadence (default 1m).
	TickEvery time.Duration

	// DefaultChance is the per-tick fire probability of the Default policy.
	DefaultChance float64

	// ErrorThreshold deactivates a channel after this many consecutive
	// definitive dispatch failures (default 3).
	ErrorThreshold int

	// SendRatePerSec paces dispatches within a tick (default 1).
	SendRatePerSec int

	// DispatchTimeout bounds a single sink call (default 30s).
	DispatchTimeout time.Duration

	// Timezone for Fixed-hour evaluation; empty means local time.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.TickEvery <= 0 {
		c.TickEvery = time.Minute
	}
	if c.DefaultChance <= 0 {
		c.DefaultChance = 0.05
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = 1
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Store is the registry/content surface the scheduler consumes.
// *storage.Store satisfies it; tests use fakes.
type Store interface {
	ListActiveChannels(ctx context.Context) ([]channel.Channel, error)
	ChannelByChatID(ctx context.Context, chatID int64) (channel.Channel, error)
	MarkPublished(ctx context.Context, chatID int64, at time.Time) error
	RecordPublishError(ctx context.Context, chatID int64, detail string) (int, error)
	SetChannelActive(ctx context.Context, chatID int64, active bool) error
	RandomContent(ctx context.Context, category string) (storage.ContentItem, error)
	Setting(ctx context.Context, key string) (string, error)
}

type Service struct {
	cfg   Config
	store Store
	sink  transport.Sender
	log   logx.Logger
	loc   *time.Location

	// runMu serializes tick passes and manual triggers, which keeps every
	// channel read-modify-write cycle single-writer.
	runMu sync.Mutex

	limiter *rate.Limiter
	roll    func() float64 // uniform [0,1); swapped in tests

	// transform is an externally-applied text substitution hook.
	transform func(string) string

	cronMu sync.Mutex
	c      *cron.Cron
}

func New(cfg Config, store Store, sink transport.Sender, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("publisher timezone: %w", err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Service{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		log:     log,
		loc:     loc,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1),
		roll:    rng.Float64,
	}, nil
}

// SetTransform installs a text substitution applied to every content item
// before formatting. nil disables it.
func (s *Service) SetTransform(fn func(string) string) {
	s.transform = fn
}

// Tunables are the settings safe to swap while the service is running.
// The tick cadence and timezone are tied to the cron driver and need a
// restart.
type Tunables struct {
	DefaultChance   float64
	ErrorThreshold  int
	SendRatePerSec  int
	DispatchTimeout time.Duration
}

// Reconfigure applies reloaded settings. Zero values fall back to the
// same defaults New applies. Takes effect from the next tick.
func (s *Service) Reconfigure(t Tunables) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	next := s.cfg
	next.DefaultChance = t.DefaultChance
	next.ErrorThreshold = t.ErrorThreshold
	next.SendRatePerSec = t.SendRatePerSec
	next.DispatchTimeout = t.DispatchTimeout
	next = next.withDefaults()
	s.cfg = next
	s.limiter.SetLimit(rate.Limit(next.SendRatePerSec))
}

// Start launches the periodic tick driver. A disabled service still accepts
// manual PublishNow calls.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduled publishing disabled")
		return nil
	}
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(s.loc))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickEvery), func() {
		s.Tick(ctx, time.Now().In(s.loc))
	})
	if err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("publisher started", logx.Duration("tick_every", s.cfg.TickEvery))
	return nil
}

// Stop halts the tick driver and waits for an in-flight tick to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.cronMu.Lock()
	c := s.c
	s.c = nil
	s.cronMu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
