// Package broadcast fans one operator message out to every known user or
// every connected channel, paced to stay under platform flood limits.
package broadcast

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"quotecast/internal/channel"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
)

type Config struct {
	// RatePerSec paces outgoing messages (default 10).
	RatePerSec int
}

// Store is the recipient listing surface.
type Store interface {
	ListUsers(ctx context.Context) ([]storage.User, error)
	ListChannels(ctx context.Context) ([]channel.Channel, error)
}

// Result summarizes one fan-out run.
type Result struct {
	Sent   int
	Failed int
}

func (r Result) String() string {
	return fmt.Sprintf("%d delivered, %d failed", r.Sent, r.Failed)
}

type Service struct {
	store   Store
	sink    transport.Sender
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, store Store, sink transport.Sender, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:   store,
		sink:    sink,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

// SetRate adjusts the fan-out pacing while running.
func (s *Service) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = 10
	}
	s.limiter.SetLimit(rate.Limit(perSec))
}

// ToUsers sends text to every registered user. Individual failures
// (blocked bot, deleted account) are counted, not fatal.
func (s *Service) ToUsers(ctx context.Context, text string, opt *transport.SendOptions) (Result, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return Result{}, err
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return s.fanOut(ctx, ids, text, opt)
}

// ToChannels sends text to every active connected channel.
func (s *Service) ToChannels(ctx context.Context, text string, opt *transport.SendOptions) (Result, error) {
	chs, err := s.store.ListChannels(ctx)
	if err != nil {
		return Result{}, err
	}
	ids := make([]int64, 0, len(chs))
	for _, c := range chs {
		if c.Active {
			ids = append(ids, c.ChatID)
		}
	}
	return s.fanOut(ctx, ids, text, opt)
}

func (s *Service) fanOut(ctx context.Context, ids []int64, text string, opt *transport.SendOptions) (Result, error) {
	var res Result
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}
		if _, err := s.sink.SendText(ctx, transport.ChatTarget{ChatID: id}, text, opt); err != nil {
			res.Failed++
			s.log.Debug("broadcast delivery failed",
				logx.Int64("chat_id", id),
				logx.String("class", string(transport.ClassOf(err))),
			)
			continue
		}
		res.Sent++
	}
	s.log.Info("broadcast finished", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	return res, nil
}
