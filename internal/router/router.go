// Package router is the operator surface: it dispatches incoming updates
// to commands, the onboarding wizard, inline-menu callbacks and content
// ingestion, with role checks on every privileged path.
package router

import (
	"context"
	"sync"

	"quotecast/internal/broadcast"
	"quotecast/internal/onboarding"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
)

// Publisher is the manual-dispatch slice of the scheduler.
type Publisher interface {
	PublishNow(ctx context.Context, chatID int64) (int, error)
}

// Broadcaster fans operator messages out to users or channels.
type Broadcaster interface {
	ToUsers(ctx context.Context, text string, opt *transport.SendOptions) (broadcast.Result, error)
	ToChannels(ctx context.Context, text string, opt *transport.SendOptions) (broadcast.Result, error)
}

type Config struct {
	OwnerUserIDs       []int64
	Categories         []string
	GroupEnableKeyword string
}

func (c Config) isOwner(userID int64) bool {
	for _, id := range c.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// pending is a one-shot expectation for the operator's next message.
type pendingKind string

const (
	pendingBroadcastUsers    pendingKind = "broadcast_users"
	pendingBroadcastChannels pendingKind = "broadcast_channels"
	pendingContent           pendingKind = "content"
	pendingPromote           pendingKind = "promote"
	pendingFixedHours        pendingKind = "fixed_hours"
	pendingIntervalMinutes   pendingKind = "interval_minutes"
)

type pending struct {
	kind     pendingKind
	category string // for pendingContent
	chatID   int64  // for the schedule-edit kinds
}

type Router struct {
	api    transport.Adapter
	store  storage.Store
	wizard *onboarding.Wizard
	pub    Publisher
	bcast  Broadcaster
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	pending map[int64]pending
}

func New(api transport.Adapter, store storage.Store, wizard *onboarding.Wizard, pub Publisher, bcast Broadcaster, cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		api:     api,
		store:   store,
		wizard:  wizard,
		pub:     pub,
		bcast:   bcast,
		cfg:     cfg,
		log:     log,
		pending: map[int64]pending{},
	}
}

// SetConfig swaps the runtime settings, typically after a config reload.
func (r *Router) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Handle processes one update. A panic in any handler is contained here
// so a single malformed update cannot take the bot down.
func (r *Router) Handle(ctx context.Context, upd transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("update handler panicked", logx.Any("panic", rec), logx.String("kind", string(upd.Kind)))
		}
	}()

	switch upd.Kind {
	case transport.UpdateMessage:
		if upd.Message != nil {
			r.handleMessage(ctx, upd.Message)
		}
	case transport.UpdateCallback:
		if upd.Callback != nil {
			r.handleCallback(ctx, upd.Callback)
		}
	case transport.UpdateMemberChange:
		if upd.MemberChange != nil {
			r.handleMemberChange(ctx, upd.MemberChange)
		}
	}
}

func (r *Router) isAdmin(ctx context.Context, userID int64) bool {
	if r.config().isOwner(userID) {
		return true
	}
	ok, err := r.store.IsAdmin(ctx, userID)
	if err != nil {
		r.log.Error("admin lookup failed", logx.Int64("user_id", userID), logx.Err(err))
		return false
	}
	return ok
}

func (r *Router) setPending(userID int64, p pending) {
	r.mu.Lock()
	r.pending[userID] = p
	r.mu.Unlock()
}

func (r *Router) takePending(userID int64) (pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[userID]
	if ok {
		delete(r.pending, userID)
	}
	return p, ok
}

func (r *Router) clearPending(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[userID]
	delete(r.pending, userID)
	return ok
}

// reply sends a plain text message back to the chat.
func (r *Router) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if _, err := r.api.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Error("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// notifyAdmins sends text to every admin and owner account.
func (r *Router) notifyAdmins(ctx context.Context, text string) {
	seen := map[int64]bool{}
	admins, err := r.store.ListAdmins(ctx)
	if err != nil {
		r.log.Error("admin list failed", logx.Err(err))
	}
	for _, a := range admins {
		seen[a.UserID] = true
	}
	for _, id := range r.config().OwnerUserIDs {
		seen[id] = true
	}
	for id := range seen {
		r.reply(ctx, id, text, nil)
	}
}
