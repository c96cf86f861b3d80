package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"quotecast/internal/channel"
	"quotecast/internal/onboarding"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
	"quotecast/pkg/tgui"
)

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	scope, action, payload := tgui.Split(cb.Data)

	switch scope {
	case onboarding.Scope:
		// Any user may connect a channel they administer; the resolver
		// verifies the rights inside the wizard.
		r.wizardCallback(ctx, cb, action, payload)
	case scopeChannel:
		if !r.isAdmin(ctx, cb.FromID) {
			r.answer(ctx, cb.ID, "Not allowed.")
			return
		}
		r.channelCallback(ctx, cb, action, payload)
	case scopeAdmin:
		r.adminCallback(ctx, cb, action, payload)
	default:
		r.answer(ctx, cb.ID, "")
	}
}

func (r *Router) wizardCallback(ctx context.Context, cb *transport.Callback, action, payload string) {
	reply, ok := r.wizard.HandleCallback(ctx, cb.FromID, action, payload)
	if !ok {
		r.answer(ctx, cb.ID, "")
		return
	}
	r.answer(ctx, cb.ID, "")
	r.edit(ctx, cb, reply.Text, replyOptions(reply))
}

func (r *Router) channelCallback(ctx context.Context, cb *transport.Callback, action, payload string) {
	switch action {
	case "list":
		r.answer(ctx, cb.ID, "")
		r.showChannelList(ctx, cb)

	case "view":
		r.answer(ctx, cb.ID, "")
		r.showChannel(ctx, cb, payload)

	case "toggle":
		chatID, ok := parseChatID(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad channel reference.")
			return
		}
		ch, err := r.store.ChannelByChatID(ctx, chatID)
		if err != nil {
			r.answer(ctx, cb.ID, "Channel no longer exists.")
			return
		}
		if err := r.store.SetChannelActive(ctx, chatID, !ch.Active); err != nil {
			r.log.Error("toggle failed", logx.Int64("chat_id", chatID), logx.Err(err))
			r.answer(ctx, cb.ID, "Update failed.")
			return
		}
		r.answer(ctx, cb.ID, "")
		r.showChannel(ctx, cb, payload)

	case "pub":
		chatID, ok := parseChatID(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad channel reference.")
			return
		}
		n, err := r.pub.PublishNow(ctx, chatID)
		switch {
		case err != nil:
			r.answer(ctx, cb.ID, "Publish failed: "+err.Error())
		case n == 0:
			r.answer(ctx, cb.ID, "Nothing was sent (no content or delivery failed).")
		default:
			r.answer(ctx, cb.ID, "Posted.")
		}

	case "cat":
		chatID, ok := parseChatID(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad channel reference.")
			return
		}
		r.answer(ctx, cb.ID, "")
		kb := tgui.NewInline()
		for _, c := range r.config().Categories {
			kb.Row(tgui.Btn(c, tgui.Data(scopeChannel, "setcat", pairPayload(chatID, c))))
		}
		kb.Row(tgui.Btn("Back", tgui.Data(scopeChannel, "view", payload)))
		r.edit(ctx, cb, "Pick the new category:", &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})

	case "setcat":
		chatID, value, ok := splitPair(payload)
		if !ok || !validCategory(r.config().Categories, value) {
			r.answer(ctx, cb.ID, "Bad selection.")
			return
		}
		if err := r.store.SetChannelCategory(ctx, chatID, value); err != nil {
			r.log.Error("category update failed", logx.Int64("chat_id", chatID), logx.Err(err))
			r.answer(ctx, cb.ID, "Update failed.")
			return
		}
		r.answer(ctx, cb.ID, "Category updated.")
		r.showChannel(ctx, cb, strconv.FormatInt(chatID, 10))

	case "fmt":
		chatID, ok := parseChatID(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad channel reference.")
			return
		}
		r.answer(ctx, cb.ID, "")
		kb := tgui.NewInline().
			Row(
				tgui.Btn("Plain text", tgui.Data(scopeChannel, "setfmt", pairPayload(chatID, string(channel.FormatPlain)))),
				tgui.Btn("Quote block", tgui.Data(scopeChannel, "setfmt", pairPayload(chatID, string(channel.FormatQuote)))),
			).
			Row(tgui.Btn("Back", tgui.Data(scopeChannel, "view", payload)))
		r.edit(ctx, cb, "Pick the new format:", &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})

	case "setfmt":
		chatID, value, ok := splitPair(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad selection.")
			return
		}
		f, valid := channel.ParseFormat(value)
		if !valid {
			r.answer(ctx, cb.ID, "Bad selection.")
			return
		}
		if err := r.store.SetChannelFormat(ctx, chatID, f); err != nil {
			r.log.Error("format update failed", logx.Int64("chat_id", chatID), logx.Err(err))
			r.answer(ctx, cb.ID, "Update failed.")
			return
		}
		r.answer(ctx, cb.ID, "Format updated.")
		r.showChannel(ctx, cb, strconv.FormatInt(chatID, 10))

	case "time":
		chatID, ok := parseChatID(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad channel reference.")
			return
		}
		r.answer(ctx, cb.ID, "")
		kb := tgui.NewInline().
			Row(tgui.Btn("Random (default)", tgui.Data(scopeChannel, "settime", pairPayload(chatID, "default")))).
			Row(tgui.Btn("Fixed hours", tgui.Data(scopeChannel, "settime", pairPayload(chatID, "fixed")))).
			Row(tgui.Btn("Every N minutes", tgui.Data(scopeChannel, "settime", pairPayload(chatID, "interval")))).
			Row(tgui.Btn("Back", tgui.Data(scopeChannel, "view", payload)))
		r.edit(ctx, cb, "Pick the new schedule:", &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})

	case "settime":
		chatID, value, ok := splitPair(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad selection.")
			return
		}
		switch value {
		case "default":
			if err := r.store.SetChannelPolicy(ctx, chatID, channel.DefaultPolicy{}); err != nil {
				r.log.Error("schedule update failed", logx.Int64("chat_id", chatID), logx.Err(err))
				r.answer(ctx, cb.ID, "Update failed.")
				return
			}
			r.answer(ctx, cb.ID, "Schedule updated.")
			r.showChannel(ctx, cb, strconv.FormatInt(chatID, 10))
		case "fixed":
			r.setPending(cb.FromID, pending{kind: pendingFixedHours, chatID: chatID})
			r.answer(ctx, cb.ID, "")
			r.edit(ctx, cb, "Send the posting hours (0-23) separated by commas, for example: 10, 18. /cancel to abort.", nil)
		case "interval":
			r.setPending(cb.FromID, pending{kind: pendingIntervalMinutes, chatID: chatID})
			r.answer(ctx, cb.ID, "")
			r.edit(ctx, cb, "Send the posting interval in minutes, for example: 90. /cancel to abort.", nil)
		default:
			r.answer(ctx, cb.ID, "Bad selection.")
		}

	case "del":
		chatID, ok := parseChatID(payload)
		if !ok {
			r.answer(ctx, cb.ID, "Bad channel reference.")
			return
		}
		if err := r.store.DeleteChannel(ctx, chatID); err != nil {
			r.log.Error("channel delete failed", logx.Int64("chat_id", chatID), logx.Err(err))
			r.answer(ctx, cb.ID, "Delete failed.")
			return
		}
		r.answer(ctx, cb.ID, "Disconnected.")
		r.showChannelList(ctx, cb)

	default:
		r.answer(ctx, cb.ID, "")
	}
}

func (r *Router) adminCallback(ctx context.Context, cb *transport.Callback, action, payload string) {
	// Connect, stats and the menu itself sit on the plain-user keyboard;
	// everything else needs the admin role.
	switch action {
	case "connect", "stats", "menu":
	default:
		if !r.isAdmin(ctx, cb.FromID) {
			r.answer(ctx, cb.ID, "Not allowed.")
			return
		}
	}

	switch action {
	case "connect":
		r.answer(ctx, cb.ID, "")
		reply := r.wizard.Begin(cb.FromID)
		r.edit(ctx, cb, reply.Text, replyOptions(reply))

	case "stats":
		stats, err := r.store.Stats(ctx)
		if err != nil {
			r.log.Error("stats query failed", logx.Err(err))
			r.answer(ctx, cb.ID, "Stats unavailable.")
			return
		}
		r.answer(ctx, cb.ID, "")
		r.edit(ctx, cb, statsText(stats), backToMenu())

	case "kill":
		next := "off"
		if !r.postingOn(ctx) {
			next = "on"
		}
		if err := r.store.SetSetting(ctx, storage.SettingPosting, next); err != nil {
			r.log.Error("kill-switch update failed", logx.Err(err))
			r.answer(ctx, cb.ID, "Update failed.")
			return
		}
		r.log.Info("posting kill-switch flipped", logx.String("state", next))
		r.answer(ctx, cb.ID, "Posting is now "+next+".")
		text, markup := r.menuFor(ctx, cb.FromID)
		r.edit(ctx, cb, text, &transport.SendOptions{ReplyMarkupAdapter: markup})

	case "content":
		r.answer(ctx, cb.ID, "")
		kb := tgui.NewInline()
		for _, c := range r.config().Categories {
			kb.Row(tgui.Btn(c, tgui.Data(scopeAdmin, "cat", c)))
		}
		r.edit(ctx, cb, "Pick a category to load content into:",
			&transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})

	case "cat":
		if !validCategory(r.config().Categories, payload) {
			r.answer(ctx, cb.ID, "Unknown category.")
			return
		}
		r.setPending(cb.FromID, pending{kind: pendingContent, category: payload})
		r.answer(ctx, cb.ID, "")
		r.edit(ctx, cb, fmt.Sprintf("Send a .txt file (one text per line) or paste the lines for %q. /cancel to abort.", payload), nil)

	case "bcast":
		r.answer(ctx, cb.ID, "")
		kb := tgui.NewInline().
			Row(tgui.Btn("To all users", tgui.Data(scopeAdmin, "bcastu", ""))).
			Row(tgui.Btn("To all channels", tgui.Data(scopeAdmin, "bcastc", "")))
		r.edit(ctx, cb, "Who should receive the broadcast?",
			&transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})

	case "bcastu":
		r.setPending(cb.FromID, pending{kind: pendingBroadcastUsers})
		r.answer(ctx, cb.ID, "")
		r.edit(ctx, cb, "Send the broadcast text. /cancel to abort.", nil)

	case "bcastc":
		r.setPending(cb.FromID, pending{kind: pendingBroadcastChannels})
		r.answer(ctx, cb.ID, "")
		r.edit(ctx, cb, "Send the broadcast text. /cancel to abort.", nil)

	case "admins":
		if !r.config().isOwner(cb.FromID) {
			r.answer(ctx, cb.ID, "Owners only.")
			return
		}
		r.answer(ctx, cb.ID, "")
		r.showAdminList(ctx, cb)

	case "promote":
		if !r.config().isOwner(cb.FromID) {
			r.answer(ctx, cb.ID, "Owners only.")
			return
		}
		r.setPending(cb.FromID, pending{kind: pendingPromote})
		r.answer(ctx, cb.ID, "")
		r.edit(ctx, cb, "Send the @username or numeric id of the user to promote. /cancel to abort.", nil)

	case "demote":
		if !r.config().isOwner(cb.FromID) {
			r.answer(ctx, cb.ID, "Owners only.")
			return
		}
		userID, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			r.answer(ctx, cb.ID, "Bad user reference.")
			return
		}
		if err := r.store.SetAdmin(ctx, userID, false); err != nil {
			r.log.Error("demote failed", logx.Int64("user_id", userID), logx.Err(err))
			r.answer(ctx, cb.ID, "Update failed.")
			return
		}
		r.answer(ctx, cb.ID, "Demoted.")
		r.showAdminList(ctx, cb)

	case "menu":
		r.answer(ctx, cb.ID, "")
		text, markup := r.menuFor(ctx, cb.FromID)
		r.edit(ctx, cb, text, &transport.SendOptions{ReplyMarkupAdapter: markup})

	default:
		r.answer(ctx, cb.ID, "")
	}
}

func (r *Router) showChannelList(ctx context.Context, cb *transport.Callback) {
	chs, err := r.store.ListChannels(ctx)
	if err != nil {
		r.log.Error("channel list failed", logx.Err(err))
		r.edit(ctx, cb, "Could not load the channel list.", nil)
		return
	}
	if len(chs) == 0 {
		r.edit(ctx, cb, "No channels connected yet.", backToMenu())
		return
	}
	kb := tgui.NewInline()
	for _, ch := range chs {
		kb.Row(tgui.Btn(channelLine(ch), tgui.Data(scopeChannel, "view", strconv.FormatInt(ch.ChatID, 10))))
	}
	kb.Row(tgui.Btn("Back", tgui.Data(scopeAdmin, "menu", "")))
	r.edit(ctx, cb, fmt.Sprintf("Connected channels (%d):", len(chs)),
		&transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})
}

func (r *Router) showChannel(ctx context.Context, cb *transport.Callback, payload string) {
	chatID, ok := parseChatID(payload)
	if !ok {
		r.edit(ctx, cb, "Bad channel reference.", nil)
		return
	}
	ch, err := r.store.ChannelByChatID(ctx, chatID)
	if err != nil {
		r.edit(ctx, cb, "Channel no longer exists.", backToMenu())
		return
	}

	toggleLabel := "Pause"
	if !ch.Active {
		toggleLabel = "Resume"
	}
	id := strconv.FormatInt(chatID, 10)
	kb := tgui.NewInline().
		Row(
			tgui.Btn(toggleLabel, tgui.Data(scopeChannel, "toggle", id)),
			tgui.Btn("Post now", tgui.Data(scopeChannel, "pub", id)),
		).
		Row(
			tgui.Btn("Category", tgui.Data(scopeChannel, "cat", id)),
			tgui.Btn("Format", tgui.Data(scopeChannel, "fmt", id)),
			tgui.Btn("Schedule", tgui.Data(scopeChannel, "time", id)),
		).
		Row(tgui.Btn("Disconnect", tgui.Data(scopeChannel, "del", id))).
		Row(tgui.Btn("Back", tgui.Data(scopeChannel, "list", "")))
	r.edit(ctx, cb, channelDetails(ch), &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})
}

func (r *Router) showAdminList(ctx context.Context, cb *transport.Callback) {
	admins, err := r.store.ListAdmins(ctx)
	if err != nil {
		r.log.Error("admin list failed", logx.Err(err))
		r.edit(ctx, cb, "Could not load the admin list.", nil)
		return
	}
	kb := tgui.NewInline()
	for _, a := range admins {
		kb.Row(tgui.Btn("Demote "+userLabel(a.UserID, a.Username),
			tgui.Data(scopeAdmin, "demote", strconv.FormatInt(a.UserID, 10))))
	}
	kb.Row(tgui.Btn("Promote a user", tgui.Data(scopeAdmin, "promote", "")))
	kb.Row(tgui.Btn("Back", tgui.Data(scopeAdmin, "menu", "")))
	r.edit(ctx, cb, fmt.Sprintf("Admins (%d):", len(admins)),
		&transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.api.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Debug("callback answer failed", logx.Err(err))
	}
}

// edit rewrites the message the button lives on; if editing fails
// (message too old, identical content) a fresh message is sent instead.
func (r *Router) edit(ctx context.Context, cb *transport.Callback, text string, opt *transport.SendOptions) {
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := r.api.EditText(ctx, ref, text, opt); err != nil {
		r.reply(ctx, cb.ChatID, text, opt)
	}
}

func backToMenu() *transport.SendOptions {
	kb := tgui.NewInline().Row(tgui.Btn("Back", tgui.Data(scopeAdmin, "menu", "")))
	return &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()}
}

// pairPayload packs a chat id and a value into one callback payload.
func pairPayload(chatID int64, value string) string {
	return strconv.FormatInt(chatID, 10) + "|" + value
}

func splitPair(payload string) (int64, string, bool) {
	i := strings.IndexByte(payload, '|')
	if i < 0 {
		return 0, "", false
	}
	chatID, ok := parseChatID(payload[:i])
	if !ok {
		return 0, "", false
	}
	return chatID, payload[i+1:], true
}

func parseChatID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func validCategory(cats []string, c string) bool {
	for _, k := range cats {
		if k == c {
			return true
		}
	}
	return false
}
