package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotecast/internal/channel"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
	"quotecast/pkg/tgui"
)

// forceReq is a manual "publish now" request. ChatID 0 means "any active
// channel, stop after the first successful dispatch".
type forceReq struct {
	ChatID int64
}

// Tick runs one scheduled evaluation pass over all active channels.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	if _, err := s.run(ctx, now, nil); err != nil {
		s.log.Error("tick aborted", logx.Err(err))
	}
}

// PublishNow performs a forced single-shot dispatch. It bypasses both the
// kill-switch and the timing policies, and returns the number of messages
// sent (0 or 1).
func (s *Service) PublishNow(ctx context.Context, chatID int64) (int, error) {
	return s.run(ctx, time.Now().In(s.loc), &forceReq{ChatID: chatID})
}

func (s *Service) run(ctx context.Context, now time.Time, force *forceReq) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if force == nil {
		enabled, err := s.postingEnabled(ctx)
		if err != nil {
			return 0, fmt.Errorf("read kill-switch: %w", err)
		}
		if !enabled {
			return 0, nil
		}
	}

	channels, err := s.loadTargets(ctx, force)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ch := range channels {
		due := force != nil || shouldPublish(ch.Policy, ch.LastPublishedAt, now.In(s.loc), s.roll(), s.cfg.DefaultChance)
		if !due {
			continue
		}
		sent := s.publishOne(ctx, ch, now)
		if sent {
			published++
			if force != nil {
				break
			}
		}
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
	}
	return published, nil
}

func (s *Service) loadTargets(ctx context.Context, force *forceReq) ([]channel.Channel, error) {
	if force != nil && force.ChatID != 0 {
		ch, err := s.store.ChannelByChatID(ctx, force.ChatID)
		if err != nil {
			return nil, fmt.Errorf("load channel %d: %w", force.ChatID, err)
		}
		return []channel.Channel{ch}, nil
	}
	chs, err := s.store.ListActiveChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	return chs, nil
}

func (s *Service) postingEnabled(ctx context.Context) (bool, error) {
	v, err := s.store.Setting(ctx, storage.SettingPosting)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v == "on", nil
}

// publishOne fetches, formats and dispatches one item, then records the
// outcome. A panic or error in one channel never aborts the pass.
func (s *Service) publishOne(ctx context.Context, ch channel.Channel, now time.Time) (sent bool) {
	clog := s.log.With(logx.Int64("chat_id", ch.ChatID), logx.String("title", ch.Title))
	defer func() {
		if r := recover(); r != nil {
			clog.Error("panic while publishing", logx.Any("panic", r))
			sent = false
		}
	}()

	item, err := s.store.RandomContent(ctx, ch.Category)
	if errors.Is(err, storage.ErrNotFound) {
		// Empty category: nothing to say this tick, not an error.
		clog.Debug("no content in category", logx.String("category", ch.Category))
		return false
	}
	if err != nil {
		clog.Error("content fetch failed", logx.Err(err))
		return false
	}

	text := item.Text
	if s.transform != nil {
		text = s.transform(text)
	}
	body, parseMode := render(text, ch.Format)

	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	_, err = s.sink.SendText(dctx, transport.ChatTarget{ChatID: ch.ChatID}, body, &transport.SendOptions{ParseMode: parseMode})
	cancel()

	if err != nil {
		s.recordFailure(ctx, ch, err, clog)
		return false
	}

	if err := s.store.MarkPublished(ctx, ch.ChatID, now); err != nil {
		clog.Error("outcome write failed", logx.Err(err))
	}
	clog.Debug("published", logx.String("category", ch.Category))
	return true
}

func (s *Service) recordFailure(ctx context.Context, ch channel.Channel, sendErr error, clog logx.Logger) {
	class := transport.ClassOf(sendErr)
	count, err := s.store.RecordPublishError(ctx, ch.ChatID, sendErr.Error())
	if err != nil {
		clog.Error("failure bookkeeping failed", logx.Err(err))
		return
	}
	clog.Warn("dispatch failed",
		logx.String("class", string(class)),
		logx.Int("error_count", count),
		logx.Err(sendErr),
	)
	// Definitive failures (bot demoted, chat deleted) retire the channel
	// once the threshold is reached; transient ones retry next tick.
	if class.Definitive() && count >= s.cfg.ErrorThreshold {
		if err := s.store.SetChannelActive(ctx, ch.ChatID, false); err != nil {
			clog.Error("auto-deactivation failed", logx.Err(err))
			return
		}
		clog.Warn("channel auto-deactivated", logx.Int("failures", count))
	}
}

// shouldPublish decides whether a channel is due. It is a pure function of
// its arguments; the caller supplies the random roll for the Default policy.
func shouldPublish(p channel.Policy, last *time.Time, now time.Time, roll, defaultChance float64) bool {
	switch v := p.(type) {
	case channel.FixedPolicy:
		if !v.HourMatch(now.Hour()) {
			return false
		}
		// At most one publish per (date, hour) bucket.
		return last == nil || !sameHourBucket(last.In(now.Location()), now)
	case channel.IntervalPolicy:
		return last == nil || now.Sub(*last) >= time.Duration(v.Minutes)*time.Minute
	default:
		return roll < defaultChance
	}
}

func sameHourBucket(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd && a.Hour() == b.Hour()
}

// render applies the channel's presentation format.
func render(text string, f channel.Format) (body, parseMode string) {
	if f == channel.FormatQuote {
		return tgui.Quote(text).String(), "HTML"
	}
	return text, ""
}
