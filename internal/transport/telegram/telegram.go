// Package telegram adapts telebot.v4 to the transport surface.
package telegram

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"quotecast/internal/transport"
	"quotecast/pkg/logx"
)

// DefaultPollTimeout is used when Config.PollTimeout is zero.
const DefaultPollTimeout = 10 * time.Second

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- transport.Update)

	runMu   sync.Mutex
	running bool
	done    chan struct{}

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged on Stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ChatTitle:    m.Chat.Title,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		}
		if m.OriginalChat != nil {
			msg.Forward = &transport.ForwardOrigin{
				ChatID: m.OriginalChat.ID,
				Title:  m.OriginalChat.Title,
				Kind:   chatKind(m.OriginalChat.Type),
			}
		} else if m.OriginalSender != nil || m.OriginalSenderName != "" {
			// Forwarded from a private user chat.
			msg.Forward = &transport.ForwardOrigin{Kind: transport.ChatPrivate}
		}
		if m.Document != nil {
			msg.Document = &transport.Document{
				FileID:   m.Document.FileID,
				FileName: m.Document.FileName,
				MIME:     m.Document.MIME,
			}
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnDocument, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				// Telegram sends callback data with a leading \f for telebot
				// unique handlers; we route raw data ourselves.
				Data: strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		upd := c.ChatMember()
		if upd == nil || upd.Chat == nil || upd.NewChatMember == nil {
			return nil
		}
		mc := &transport.MemberChange{
			ChatID:    upd.Chat.ID,
			Title:     upd.Chat.Title,
			NewStatus: memberStatus(upd.NewChatMember.Role),
		}
		if upd.OldChatMember != nil {
			mc.OldStatus = memberStatus(upd.OldChatMember.Role)
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateMemberChange, MemberChange: mc})
		return nil
	})
}

func (a *Adapter) sendUpdate(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.done = make(chan struct{})
	a.out.Store(out)
	done := a.done
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		defer close(done)
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	done := a.done
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
	}
	go a.bot.Stop()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
	case <-ctx.Done():
	}
	return nil
}

func (a *Adapter) SelfID() int64 {
	if a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	_ = ctx
	sendOpts := buildSendOptions(opt)
	m, err := a.bot.Send(tele.ChatID(to.ChatID), text, sendOpts)
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: m.Chat.ID, MessageID: m.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	_ = ctx
	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
	_, err := a.bot.Edit(stored, text, buildSendOptions(opt))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_ = ctx
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) ChatByReference(ctx context.Context, ref string) (transport.ChatInfo, error) {
	_ = ctx
	ref = strings.TrimSpace(ref)

	var (
		chat *tele.Chat
		err  error
	)
	if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		chat, err = a.bot.ChatByID(id)
	} else {
		chat, err = a.bot.ChatByUsername(ref)
	}
	if err != nil {
		cerr := classify(err)
		if transport.ClassOf(cerr) == transport.ErrNotFound {
			return transport.ChatInfo{}, transport.ErrChatNotFound
		}
		return transport.ChatInfo{}, cerr
	}
	return transport.ChatInfo{
		ChatID:   chat.ID,
		Title:    chatTitle(chat),
		Username: chat.Username,
		Kind:     chatKind(chat.Type),
	}, nil
}

func (a *Adapter) MemberStatus(ctx context.Context, chatID, userID int64) (transport.MemberStatus, error) {
	_ = ctx
	member, err := a.bot.ChatMemberOf(tele.ChatID(chatID), &tele.User{ID: userID})
	if err != nil {
		return "", classify(err)
	}
	return memberStatus(member.Role), nil
}

func (a *Adapter) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	_ = ctx
	rc, err := a.bot.File(&tele.File{FileID: fileID})
	if err != nil {
		return nil, classify(err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func buildSendOptions(opt *transport.SendOptions) *tele.SendOptions {
	out := &tele.SendOptions{}
	if opt == nil {
		return out
	}
	out.ParseMode = opt.ParseMode
	out.DisableWebPagePreview = opt.DisablePreview
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		out.ReplyMarkup = rm
	}
	return out
}

func chatTitle(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func chatKind(t tele.ChatType) transport.ChatKind {
	switch t {
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return transport.ChatChannel
	case tele.ChatSuperGroup:
		return transport.ChatSupergroup
	case tele.ChatGroup:
		return transport.ChatGroup
	default:
		return transport.ChatPrivate
	}
}

func memberStatus(r tele.MemberStatus) transport.MemberStatus {
	switch r {
	case tele.Creator:
		return transport.MemberCreator
	case tele.Administrator:
		return transport.MemberAdministrator
	case tele.Member:
		return transport.MemberMember
	case tele.Restricted:
		return transport.MemberRestricted
	case tele.Left:
		return transport.MemberLeft
	case tele.Kicked:
		return transport.MemberKicked
	default:
		return transport.MemberStatus(string(r))
	}
}

// classify maps telebot errors onto the transport error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.SendError{Class: transport.ErrRateLimited, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 403:
			return &transport.SendError{Class: transport.ErrForbidden, Err: err}
		case te.Code == 429:
			return &transport.SendError{Class: transport.ErrRateLimited, Err: err}
		case te.Code == 400 && strings.Contains(strings.ToLower(te.Description), "not found"):
			return &transport.SendError{Class: transport.ErrNotFound, Err: err}
		}
	}
	return &transport.SendError{Class: transport.ErrOther, Err: err}
}
