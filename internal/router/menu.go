package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"quotecast/internal/channel"
	"quotecast/internal/onboarding"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/tgui"
)

// Callback scopes owned by the router (the wizard owns onboarding.Scope).
const (
	scopeChannel = "ch"
	scopeAdmin   = "adm"
)

func (r *Router) sendMenu(ctx context.Context, userID, chatID int64) {
	text, markup := r.menuFor(ctx, userID)
	r.reply(ctx, chatID, text, &transport.SendOptions{ReplyMarkupAdapter: markup})
}

func (r *Router) menuFor(ctx context.Context, userID int64) (string, any) {
	if !r.isAdmin(ctx, userID) {
		kb := tgui.NewInline().
			Row(tgui.Btn("Connect a channel", tgui.Data(scopeAdmin, "connect", ""))).
			Row(tgui.Btn("Stats", tgui.Data(scopeAdmin, "stats", "")))
		return "Hi! I auto-publish curated texts to connected channels.\n" +
			"Connect a channel or group you administer to get started.", kb.Markup()
	}

	kb := tgui.NewInline().
		Row(tgui.Btn("Connect channel", tgui.Data(scopeAdmin, "connect", ""))).
		Row(
			tgui.Btn("Channels", tgui.Data(scopeChannel, "list", "")),
			tgui.Btn("Stats", tgui.Data(scopeAdmin, "stats", "")),
		).
		Row(
			tgui.Btn("Add content", tgui.Data(scopeAdmin, "content", "")),
			tgui.Btn("Broadcast", tgui.Data(scopeAdmin, "bcast", "")),
		).
		Row(tgui.Btn(r.killSwitchLabel(ctx), tgui.Data(scopeAdmin, "kill", "")))
	if r.config().isOwner(userID) {
		kb.Row(tgui.Btn("Admins", tgui.Data(scopeAdmin, "admins", "")))
	}
	return "Control panel:", kb.Markup()
}

func (r *Router) killSwitchLabel(ctx context.Context) string {
	if r.postingOn(ctx) {
		return "Posting: ON"
	}
	return "Posting: OFF"
}

func (r *Router) postingOn(ctx context.Context) bool {
	v, err := r.store.Setting(ctx, storage.SettingPosting)
	if err != nil {
		return true
	}
	return v == "on"
}

// replyOptions converts wizard choices into an inline keyboard.
func replyOptions(reply onboarding.Reply) *transport.SendOptions {
	if len(reply.Choices) == 0 {
		return nil
	}
	kb := tgui.NewInline()
	for _, row := range reply.Choices {
		btns := make([]tele.Btn, 0, len(row))
		for _, c := range row {
			btns = append(btns, tgui.Btn(c.Label, c.Data))
		}
		kb.Row(btns...)
	}
	return &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()}
}

func channelLine(ch channel.Channel) string {
	state := "on"
	if !ch.Active {
		state = "off"
	}
	title := ch.Title
	if title == "" {
		title = strconv.FormatInt(ch.ChatID, 10)
	}
	return fmt.Sprintf("%s [%s, %s]", title, ch.Category, state)
}

func channelDetails(ch channel.Channel) string {
	var b strings.Builder
	title := ch.Title
	if title == "" {
		title = strconv.FormatInt(ch.ChatID, 10)
	}
	fmt.Fprintf(&b, "%s\n", title)
	fmt.Fprintf(&b, "Category: %s\n", ch.Category)
	fmt.Fprintf(&b, "Format: %s\n", ch.Format)
	fmt.Fprintf(&b, "Schedule: %s\n", channel.Describe(ch.Policy))
	if ch.Active {
		b.WriteString("State: active\n")
	} else {
		b.WriteString("State: paused\n")
	}
	if ch.LastPublishedAt != nil {
		fmt.Fprintf(&b, "Last post: %s\n", ch.LastPublishedAt.Format("2006-01-02 15:04"))
	} else {
		b.WriteString("Last post: never\n")
	}
	if ch.ErrorCount > 0 {
		fmt.Fprintf(&b, "Failures: %d (%s)\n", ch.ErrorCount, ch.LastError)
	}
	return b.String()
}

func statsText(s storage.Stats) string {
	return fmt.Sprintf(
		"Users: %d\nChannels: %d active of %d\nContent items: %d",
		s.Users, s.ActiveChannels, s.TotalChannels, s.ContentItems,
	)
}
