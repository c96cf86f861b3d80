package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"quotecast/internal/channel"
	"quotecast/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestChannelUpsertIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ch := channel.Channel{
		ChatID:   -100123,
		Title:    "news",
		Category: "quotes",
		Format:   channel.FormatQuote,
		Policy:   channel.IntervalPolicy{Minutes: 60},
		AddedBy:  42,
	}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	// Same identity again with different configuration: overwrite, not duplicate.
	ch.Category = "poetry"
	ch.Policy = channel.FixedPolicy{Hours: []int{10, 14}}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("UpsertChannel (second): %v", err)
	}

	all, err := st.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(all))
	}
	got := all[0]
	if got.Category != "poetry" {
		t.Fatalf("category = %q, want poetry", got.Category)
	}
	fp, ok := got.Policy.(channel.FixedPolicy)
	if !ok {
		t.Fatalf("policy = %T, want FixedPolicy", got.Policy)
	}
	if len(fp.Hours) != 2 || fp.Hours[0] != 10 || fp.Hours[1] != 14 {
		t.Fatalf("hours = %v", fp.Hours)
	}
	if !got.Active {
		t.Fatal("upsert must leave channel active")
	}
}

func TestUpsertReactivatesAndResetsErrors(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ch := channel.Channel{ChatID: -1, Title: "t", Category: "c", Format: channel.FormatPlain, Policy: channel.DefaultPolicy{}}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if _, err := st.RecordPublishError(ctx, -1, "forbidden"); err != nil {
		t.Fatalf("RecordPublishError: %v", err)
	}
	if err := st.SetChannelActive(ctx, -1, false); err != nil {
		t.Fatalf("SetChannelActive: %v", err)
	}

	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("UpsertChannel (again): %v", err)
	}
	got, err := st.ChannelByChatID(ctx, -1)
	if err != nil {
		t.Fatalf("ChannelByChatID: %v", err)
	}
	if !got.Active || got.ErrorCount != 0 || got.LastError != "" {
		t.Fatalf("expected clean active channel, got active=%v count=%d err=%q",
			got.Active, got.ErrorCount, got.LastError)
	}
}

func TestPublishBookkeeping(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ch := channel.Channel{ChatID: -2, Title: "t", Category: "c", Format: channel.FormatPlain, Policy: channel.DefaultPolicy{}}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := st.RecordPublishError(ctx, -2, "boom")
		if err != nil {
			t.Fatalf("RecordPublishError: %v", err)
		}
		if n != want {
			t.Fatalf("error count = %d, want %d", n, want)
		}
	}

	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if err := st.MarkPublished(ctx, -2, at); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	got, err := st.ChannelByChatID(ctx, -2)
	if err != nil {
		t.Fatalf("ChannelByChatID: %v", err)
	}
	if got.ErrorCount != 0 {
		t.Fatalf("error count after success = %d, want 0", got.ErrorCount)
	}
	if got.LastPublishedAt == nil || !got.LastPublishedAt.Equal(at) {
		t.Fatalf("last_published_at = %v, want %v", got.LastPublishedAt, at)
	}
}

func TestListActiveChannels(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{-10, -11, -12} {
		ch := channel.Channel{ChatID: id, Title: "t", Category: "c", Format: channel.FormatPlain, Policy: channel.DefaultPolicy{}}
		if err := st.UpsertChannel(ctx, ch); err != nil {
			t.Fatalf("UpsertChannel: %v", err)
		}
	}
	if err := st.SetChannelActive(ctx, -11, false); err != nil {
		t.Fatalf("SetChannelActive: %v", err)
	}

	active, err := st.ListActiveChannels(ctx)
	if err != nil {
		t.Fatalf("ListActiveChannels: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	for _, ch := range active {
		if ch.ChatID == -11 {
			t.Fatal("deactivated channel listed as active")
		}
	}
}

func TestContentPool(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	n, err := st.AddContent(ctx, "quotes", []string{"one", "", "  ", "two"})
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	if n != 2 {
		t.Fatalf("added = %d, want 2 (blank lines skipped)", n)
	}

	it, err := st.RandomContent(ctx, "quotes")
	if err != nil {
		t.Fatalf("RandomContent: %v", err)
	}
	if it.Text != "one" && it.Text != "two" {
		t.Fatalf("unexpected content %q", it.Text)
	}
	if it.Used != 1 {
		t.Fatalf("used = %d, want 1", it.Used)
	}

	if _, err := st.RandomContent(ctx, "empty-category"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty category, got %v", err)
	}
}

func TestUsersAndRoles(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.UpsertUser(ctx, 7, "alice")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first upsert")
	}
	created, err = st.UpsertUser(ctx, 7, "alice2")
	if err != nil {
		t.Fatalf("UpsertUser (rename): %v", err)
	}
	if created {
		t.Fatal("expected created=false on second upsert")
	}

	u, err := st.UserByRef(ctx, "@alice2")
	if err != nil {
		t.Fatalf("UserByRef: %v", err)
	}
	if u.UserID != 7 {
		t.Fatalf("user id = %d, want 7", u.UserID)
	}

	if err := st.SetAdmin(ctx, 7, true); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}
	admin, err := st.IsAdmin(ctx, 7)
	if err != nil || !admin {
		t.Fatalf("IsAdmin = (%v, %v), want true", admin, err)
	}
	admins, err := st.ListAdmins(ctx)
	if err != nil || len(admins) != 1 {
		t.Fatalf("ListAdmins = (%v, %v)", admins, err)
	}
}

func TestSettingsAndStats(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Seeded by migration.
	v, err := st.Setting(ctx, SettingPosting)
	if err != nil {
		t.Fatalf("Setting: %v", err)
	}
	if v != "on" {
		t.Fatalf("posting_status = %q, want on", v)
	}

	if err := st.SetSetting(ctx, SettingPosting, "off"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, _ = st.Setting(ctx, SettingPosting)
	if v != "off" {
		t.Fatalf("posting_status = %q, want off", v)
	}

	if _, err := st.UpsertUser(ctx, 1, "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddContent(ctx, "c", []string{"x"}); err != nil {
		t.Fatal(err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Users != 1 || stats.ContentItems != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
