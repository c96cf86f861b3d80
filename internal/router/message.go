package router

import (
	"context"
	"fmt"
	"strings"

	"quotecast/internal/broadcast"
	"quotecast/internal/channel"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
)

func (r *Router) handleMessage(ctx context.Context, msg *transport.Message) {
	if msg.IsGroup {
		r.handleGroupMessage(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/start":
		r.handleStart(ctx, msg)
		return
	case text == "/menu":
		r.sendMenu(ctx, msg.FromID, msg.ChatID)
		return
	case text == "/cancel":
		r.handleCancel(ctx, msg)
		return
	}

	// An in-flight wizard session owns the operator's input.
	if r.wizard.Active(msg.FromID) {
		reply, ok := r.wizard.HandleText(ctx, msg.FromID, msg.Text, msg.Forward)
		if ok {
			r.reply(ctx, msg.ChatID, reply.Text, replyOptions(reply))
			return
		}
	}

	if p, ok := r.takePending(msg.FromID); ok {
		r.handlePendingInput(ctx, msg, p)
		return
	}

	if msg.Document != nil {
		r.reply(ctx, msg.ChatID, "To load content, open the menu and pick a category first.", nil)
		return
	}
	if text != "" {
		r.reply(ctx, msg.ChatID, "Use /menu to see what I can do.", nil)
	}
}

func (r *Router) handleStart(ctx context.Context, msg *transport.Message) {
	created, err := r.store.UpsertUser(ctx, msg.FromID, msg.FromUsername)
	if err != nil {
		r.log.Error("user upsert failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
	}
	if created {
		name := msg.FromUsername
		if name == "" {
			name = fmt.Sprintf("id %d", msg.FromID)
		} else {
			name = "@" + name
		}
		r.notifyAdmins(ctx, fmt.Sprintf("New user: %s", name))
	}
	r.sendMenu(ctx, msg.FromID, msg.ChatID)
}

func (r *Router) handleCancel(ctx context.Context, msg *transport.Message) {
	if reply, ok := r.wizard.Cancel(msg.FromID); ok {
		r.reply(ctx, msg.ChatID, reply.Text, nil)
		return
	}
	if r.clearPending(msg.FromID) {
		r.reply(ctx, msg.ChatID, "Cancelled.", nil)
		return
	}
	r.reply(ctx, msg.ChatID, "Nothing to cancel.", nil)
}

// handlePendingInput consumes the message a previous menu action asked for.
func (r *Router) handlePendingInput(ctx context.Context, msg *transport.Message, p pending) {
	switch p.kind {
	case pendingBroadcastUsers, pendingBroadcastChannels:
		r.runBroadcast(ctx, msg, p.kind)
	case pendingContent:
		r.ingestContent(ctx, msg, p.category)
	case pendingPromote:
		r.promoteByReference(ctx, msg)
	case pendingFixedHours, pendingIntervalMinutes:
		r.applySchedule(ctx, msg, p)
	}
}

// applySchedule consumes the free-text half of a schedule edit. Invalid
// input re-arms the expectation so the operator can just send it again.
func (r *Router) applySchedule(ctx context.Context, msg *transport.Message, p pending) {
	if !r.isAdmin(ctx, msg.FromID) {
		return
	}

	var policy channel.Policy
	if p.kind == pendingFixedHours {
		hours, err := channel.ParseHours(msg.Text)
		if err != nil {
			r.setPending(msg.FromID, p)
			r.reply(ctx, msg.ChatID, fmt.Sprintf("%v\n\nSend hours again, for example: 10, 18", err), nil)
			return
		}
		policy = channel.FixedPolicy{Hours: hours}
	} else {
		minutes, err := channel.ParseIntervalMinutes(msg.Text)
		if err != nil {
			r.setPending(msg.FromID, p)
			r.reply(ctx, msg.ChatID, fmt.Sprintf("%v\n\nSend the interval in minutes again, for example: 90", err), nil)
			return
		}
		policy = channel.IntervalPolicy{Minutes: minutes}
	}

	if err := r.store.SetChannelPolicy(ctx, p.chatID, policy); err != nil {
		r.log.Error("schedule update failed", logx.Int64("chat_id", p.chatID), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not save the schedule.", nil)
		return
	}
	r.reply(ctx, msg.ChatID, "Schedule updated: "+channel.Describe(policy), nil)
}

func (r *Router) runBroadcast(ctx context.Context, msg *transport.Message, kind pendingKind) {
	if !r.isAdmin(ctx, msg.FromID) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.reply(ctx, msg.ChatID, "Broadcast text must not be empty. Start again from the menu.", nil)
		return
	}

	var (
		res broadcast.Result
		err error
	)
	switch kind {
	case pendingBroadcastUsers:
		res, err = r.bcast.ToUsers(ctx, text, nil)
	default:
		res, err = r.bcast.ToChannels(ctx, text, nil)
	}
	if err != nil {
		r.reply(ctx, msg.ChatID, "Broadcast failed: "+err.Error(), nil)
		return
	}
	r.reply(ctx, msg.ChatID, "Broadcast done: "+res.String(), nil)
}

// ingestContent loads lines into a category, either from an attached .txt
// file or from the message text itself.
func (r *Router) ingestContent(ctx context.Context, msg *transport.Message, category string) {
	if !r.isAdmin(ctx, msg.FromID) {
		return
	}

	var raw string
	switch {
	case msg.Document != nil:
		if !textDocument(msg.Document) {
			r.reply(ctx, msg.ChatID, "Only .txt files are accepted. Pick the category again to retry.", nil)
			return
		}
		data, err := r.api.FetchFile(ctx, msg.Document.FileID)
		if err != nil {
			r.log.Error("content file fetch failed", logx.String("file", msg.Document.FileName), logx.Err(err))
			r.reply(ctx, msg.ChatID, "Could not download the file. Pick the category again to retry.", nil)
			return
		}
		raw = string(data)
	case strings.TrimSpace(msg.Text) != "":
		raw = msg.Text
	default:
		r.reply(ctx, msg.ChatID, "Send a .txt file or paste the lines as text. Pick the category again to retry.", nil)
		return
	}

	added, err := r.store.AddContent(ctx, category, strings.Split(raw, "\n"))
	if err != nil {
		r.log.Error("content insert failed", logx.String("category", category), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not store the content.", nil)
		return
	}
	r.log.Info("content loaded", logx.String("category", category), logx.Int("lines", added))
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Added %d lines to %q.", added, category), nil)
}

func (r *Router) promoteByReference(ctx context.Context, msg *transport.Message) {
	if !r.config().isOwner(msg.FromID) {
		return
	}
	ref := strings.TrimSpace(msg.Text)
	u, err := r.store.UserByRef(ctx, ref)
	if err != nil {
		r.reply(ctx, msg.ChatID, fmt.Sprintf("No known user matches %q. They must /start the bot first.", ref), nil)
		return
	}
	if err := r.store.SetAdmin(ctx, u.UserID, true); err != nil {
		r.log.Error("promote failed", logx.Int64("user_id", u.UserID), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not save the admin role.", nil)
		return
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Promoted %s to admin.", userLabel(u.UserID, u.Username)), nil)
}

// handleGroupMessage registers a group as a publication target when an
// admin posts the enable keyword in it.
func (r *Router) handleGroupMessage(ctx context.Context, msg *transport.Message) {
	cfg := r.config()
	kw := strings.TrimSpace(cfg.GroupEnableKeyword)
	if kw == "" || !strings.EqualFold(strings.TrimSpace(msg.Text), kw) {
		return
	}
	if !r.isAdmin(ctx, msg.FromID) {
		return
	}

	category := "quotes"
	if len(cfg.Categories) > 0 {
		category = cfg.Categories[0]
	}
	ch := channel.Channel{
		ChatID:   msg.ChatID,
		Title:    msg.ChatTitle,
		Category: category,
		Format:   channel.FormatPlain,
		Policy:   channel.DefaultPolicy{},
		Active:   true,
		AddedBy:  msg.FromID,
	}
	if err := r.store.UpsertChannel(ctx, ch); err != nil {
		r.log.Error("group enable failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		return
	}
	r.log.Info("group enabled", logx.Int64("chat_id", msg.ChatID), logx.String("title", msg.ChatTitle))
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Posting enabled here, category %q.", category), nil)
}

func (r *Router) handleMemberChange(ctx context.Context, mc *transport.MemberChange) {
	if !mc.NewStatus.Gone() {
		return
	}
	if err := r.store.DeleteChannel(ctx, mc.ChatID); err != nil {
		r.log.Error("channel cleanup failed", logx.Int64("chat_id", mc.ChatID), logx.Err(err))
		return
	}
	r.log.Info("channel removed after losing access",
		logx.Int64("chat_id", mc.ChatID),
		logx.String("status", string(mc.NewStatus)),
	)
	r.notifyAdmins(ctx, fmt.Sprintf("Disconnected %q: the bot was removed from it.", mc.Title))
}

func textDocument(d *transport.Document) bool {
	if strings.HasSuffix(strings.ToLower(d.FileName), ".txt") {
		return true
	}
	return d.MIME == "text/plain"
}

func userLabel(id int64, username string) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("id %d", id)
}
