package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"quotecast/internal/broadcast"
	"quotecast/internal/channel"
	"quotecast/internal/onboarding"
	"quotecast/internal/resolver"
	"quotecast/internal/storage"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
	"quotecast/pkg/tgui"
)

// memStore is an in-memory storage.Store for router tests.
type memStore struct {
	channels map[int64]channel.Channel
	users    map[int64]storage.User
	content  map[string][]string
	settings map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		channels: map[int64]channel.Channel{},
		users:    map[int64]storage.User{},
		content:  map[string][]string{},
		settings: map[string]string{storage.SettingPosting: "on"},
	}
}

func (m *memStore) UpsertChannel(_ context.Context, ch channel.Channel) error {
	m.channels[ch.ChatID] = ch
	return nil
}

func (m *memStore) ChannelByChatID(_ context.Context, chatID int64) (channel.Channel, error) {
	ch, ok := m.channels[chatID]
	if !ok {
		return channel.Channel{}, storage.ErrNotFound
	}
	return ch, nil
}

func (m *memStore) ListChannels(context.Context) ([]channel.Channel, error) {
	var out []channel.Channel
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (m *memStore) ListActiveChannels(ctx context.Context) ([]channel.Channel, error) {
	all, _ := m.ListChannels(ctx)
	var out []channel.Channel
	for _, ch := range all {
		if ch.Active {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (m *memStore) SetChannelActive(_ context.Context, chatID int64, active bool) error {
	ch := m.channels[chatID]
	ch.Active = active
	m.channels[chatID] = ch
	return nil
}

func (m *memStore) SetChannelCategory(_ context.Context, chatID int64, category string) error {
	ch := m.channels[chatID]
	ch.Category = category
	m.channels[chatID] = ch
	return nil
}

func (m *memStore) SetChannelFormat(_ context.Context, chatID int64, f channel.Format) error {
	ch := m.channels[chatID]
	ch.Format = f
	m.channels[chatID] = ch
	return nil
}

func (m *memStore) SetChannelPolicy(_ context.Context, chatID int64, p channel.Policy) error {
	ch := m.channels[chatID]
	ch.Policy = p
	m.channels[chatID] = ch
	return nil
}

func (m *memStore) DeleteChannel(_ context.Context, chatID int64) error {
	delete(m.channels, chatID)
	return nil
}

func (m *memStore) MarkPublished(_ context.Context, chatID int64, at time.Time) error {
	ch := m.channels[chatID]
	ch.LastPublishedAt = &at
	ch.ErrorCount = 0
	m.channels[chatID] = ch
	return nil
}

func (m *memStore) RecordPublishError(_ context.Context, chatID int64, detail string) (int, error) {
	ch := m.channels[chatID]
	ch.ErrorCount++
	ch.LastError = detail
	m.channels[chatID] = ch
	return ch.ErrorCount, nil
}

func (m *memStore) AddContent(_ context.Context, category string, lines []string) (int, error) {
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		m.content[category] = append(m.content[category], l)
		n++
	}
	return n, nil
}

func (m *memStore) RandomContent(_ context.Context, category string) (storage.ContentItem, error) {
	items := m.content[category]
	if len(items) == 0 {
		return storage.ContentItem{}, storage.ErrNotFound
	}
	return storage.ContentItem{Category: category, Text: items[0]}, nil
}

func (m *memStore) UpsertUser(_ context.Context, userID int64, username string) (bool, error) {
	_, exists := m.users[userID]
	u := m.users[userID]
	u.UserID = userID
	u.Username = username
	m.users[userID] = u
	return !exists, nil
}

func (m *memStore) UserByRef(_ context.Context, ref string) (storage.User, error) {
	ref = strings.TrimPrefix(ref, "@")
	for _, u := range m.users {
		if u.Username == ref {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (m *memStore) IsAdmin(_ context.Context, userID int64) (bool, error) {
	return m.users[userID].IsAdmin, nil
}

func (m *memStore) SetAdmin(_ context.Context, userID int64, admin bool) error {
	u := m.users[userID]
	u.UserID = userID
	u.IsAdmin = admin
	m.users[userID] = u
	return nil
}

func (m *memStore) ListUsers(context.Context) ([]storage.User, error) {
	var out []storage.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) ListAdmins(ctx context.Context) ([]storage.User, error) {
	all, _ := m.ListUsers(ctx)
	var out []storage.User
	for _, u := range all {
		if u.IsAdmin {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memStore) Setting(_ context.Context, key string) (string, error) {
	v, ok := m.settings[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memStore) SetSetting(_ context.Context, key, value string) error {
	m.settings[key] = value
	return nil
}

func (m *memStore) Stats(ctx context.Context) (storage.Stats, error) {
	active, _ := m.ListActiveChannels(ctx)
	items := 0
	for _, c := range m.content {
		items += len(c)
	}
	return storage.Stats{
		Users:          len(m.users),
		ActiveChannels: len(active),
		TotalChannels:  len(m.channels),
		ContentItems:   items,
	}, nil
}

func (m *memStore) Close() error { return nil }

// fakeAdapter records outgoing traffic.
type outMsg struct {
	ChatID int64
	Text   string
	Opt    *transport.SendOptions
}

type fakeAdapter struct {
	sent     []outMsg
	edits    []outMsg
	answers  []string
	files    map[string][]byte
	editFail bool
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.sent = append(f.sent, outMsg{ChatID: to.ChatID, Text: text, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if f.editFail {
		return &transport.SendError{Class: transport.ErrOther}
	}
	f.edits = append(f.edits, outMsg{ChatID: ref.ChatID, Text: text, Opt: opt})
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, callbackID, text string) error {
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) ChatByReference(_ context.Context, ref string) (transport.ChatInfo, error) {
	if strings.EqualFold(ref, "@daily") {
		return transport.ChatInfo{ChatID: -100123, Title: "Daily", Kind: transport.ChatChannel}, nil
	}
	return transport.ChatInfo{}, transport.ErrChatNotFound
}

func (f *fakeAdapter) MemberStatus(context.Context, int64, int64) (transport.MemberStatus, error) {
	return transport.MemberAdministrator, nil
}

func (f *fakeAdapter) SelfID() int64 { return 42 }

func (f *fakeAdapter) FetchFile(_ context.Context, fileID string) ([]byte, error) {
	data, ok := f.files[fileID]
	if !ok {
		return nil, &transport.SendError{Class: transport.ErrNotFound}
	}
	return data, nil
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

type fakePub struct {
	calls []int64
	n     int
}

func (f *fakePub) PublishNow(_ context.Context, chatID int64) (int, error) {
	f.calls = append(f.calls, chatID)
	return f.n, nil
}

type fakeBcast struct {
	userTexts    []string
	channelTexts []string
}

func (f *fakeBcast) ToUsers(_ context.Context, text string, _ *transport.SendOptions) (broadcast.Result, error) {
	f.userTexts = append(f.userTexts, text)
	return broadcast.Result{Sent: 2}, nil
}

func (f *fakeBcast) ToChannels(_ context.Context, text string, _ *transport.SendOptions) (broadcast.Result, error) {
	f.channelTexts = append(f.channelTexts, text)
	return broadcast.Result{Sent: 1}, nil
}

const (
	ownerID = int64(1)
	adminID = int64(2)
	plainID = int64(3)
)

type fixture struct {
	router *Router
	store  *memStore
	api    *fakeAdapter
	pub    *fakePub
	bcast  *fakeBcast
	wizard *onboarding.Wizard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	store.users[adminID] = storage.User{UserID: adminID, Username: "admin", IsAdmin: true}
	store.users[plainID] = storage.User{UserID: plainID, Username: "someone"}

	api := &fakeAdapter{files: map[string][]byte{}}
	cfg := Config{
		OwnerUserIDs:       []int64{ownerID},
		Categories:         []string{"love", "quotes"},
		GroupEnableKeyword: "enable posting",
	}
	wizard := onboarding.New(store, resolver.New(api), cfg.Categories, logx.Nop())
	pub := &fakePub{n: 1}
	bcast := &fakeBcast{}
	return &fixture{
		router: New(api, store, wizard, pub, bcast, cfg, logx.Nop()),
		store:  store,
		api:    api,
		pub:    pub,
		bcast:  bcast,
		wizard: wizard,
	}
}

func msgUpdate(from int64, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID:       from,
			FromID:       from,
			FromUsername: "u",
			Text:         text,
		},
	}
}

func cbUpdate(from int64, data string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:        "cb1",
			FromID:    from,
			ChatID:    from,
			MessageID: 10,
			Data:      data,
		},
	}
}

func (f *fixture) lastSent(t *testing.T) outMsg {
	t.Helper()
	if len(f.api.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.api.sent[len(f.api.sent)-1]
}

func TestStartRegistersAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(context.Background(), msgUpdate(99, "/start"))

	if _, ok := f.store.users[99]; !ok {
		t.Fatal("user not registered on /start")
	}
	var notified []int64
	for _, m := range f.api.sent {
		if strings.Contains(m.Text, "New user") {
			notified = append(notified, m.ChatID)
		}
	}
	if len(notified) != 2 { // admin + owner
		t.Fatalf("new-user notice went to %v", notified)
	}

	// A second /start must not renotify.
	before := len(f.api.sent)
	f.router.Handle(context.Background(), msgUpdate(99, "/start"))
	for _, m := range f.api.sent[before:] {
		if strings.Contains(m.Text, "New user") {
			t.Fatal("repeat /start renotified admins")
		}
	}
}

func TestMenuIsRoleGated(t *testing.T) {
	f := newFixture(t)

	f.router.Handle(context.Background(), msgUpdate(plainID, "/menu"))
	m := f.lastSent(t)
	if strings.Contains(m.Text, "Control panel") {
		t.Fatal("non-admin received the control panel")
	}
	if m.Opt == nil || m.Opt.ReplyMarkupAdapter == nil {
		t.Fatal("plain-user menu has no keyboard")
	}

	f.router.Handle(context.Background(), msgUpdate(adminID, "/menu"))
	m = f.lastSent(t)
	if !strings.Contains(m.Text, "Control panel") || m.Opt == nil || m.Opt.ReplyMarkupAdapter == nil {
		t.Fatal("admin did not receive the control panel")
	}
}

func TestCallbackRoleGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Privileged surfaces reject plain users.
	for _, data := range []string{
		tgui.Data("adm", "kill", ""),
		tgui.Data("adm", "bcast", ""),
		tgui.Data("ch", "list", ""),
	} {
		f.router.Handle(ctx, cbUpdate(plainID, data))
	}
	if len(f.api.edits) != 0 {
		t.Fatal("non-admin callback reached a privileged handler")
	}
	if len(f.api.answers) != 3 {
		t.Fatalf("answers = %v", f.api.answers)
	}
	for _, a := range f.api.answers {
		if !strings.Contains(a, "Not allowed") {
			t.Fatalf("answers = %v", f.api.answers)
		}
	}

	// The entries on the plain-user keyboard are open to everyone.
	f.router.Handle(ctx, cbUpdate(plainID, tgui.Data("adm", "stats", "")))
	f.router.Handle(ctx, cbUpdate(plainID, tgui.Data("adm", "connect", "")))
	if len(f.api.edits) != 2 {
		t.Fatalf("plain user blocked from public entries, edits = %d", len(f.api.edits))
	}
	if !f.wizard.Active(plainID) {
		t.Fatal("connect did not start a wizard session for a plain user")
	}
}

func TestKillSwitchToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "kill", "")))
	if v := f.store.settings[storage.SettingPosting]; v != "off" {
		t.Fatalf("posting_status = %q, want off", v)
	}
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "kill", "")))
	if v := f.store.settings[storage.SettingPosting]; v != "on" {
		t.Fatalf("posting_status = %q, want on", v)
	}
}

func TestOnboardingThroughRouter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "connect", "")))
	f.router.Handle(ctx, msgUpdate(adminID, "@daily"))
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data(onboarding.Scope, onboarding.ActionCategory, "quotes")))
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data(onboarding.Scope, onboarding.ActionFormat, "plain")))
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data(onboarding.Scope, onboarding.ActionTiming, "default")))

	ch, ok := f.store.channels[-100123]
	if !ok {
		t.Fatal("wizard did not save the channel")
	}
	if ch.Category != "quotes" || !ch.Active || ch.AddedBy != adminID {
		t.Fatalf("channel = %+v", ch)
	}
}

func TestContentUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.files["f1"] = []byte("first quote\n\nsecond quote\n")

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "cat", "love")))
	f.router.Handle(ctx, transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID:   adminID,
			FromID:   adminID,
			Document: &transport.Document{FileID: "f1", FileName: "love.txt", MIME: "text/plain"},
		},
	})

	if got := f.store.content["love"]; len(got) != 2 {
		t.Fatalf("stored %v", got)
	}
	if m := f.lastSent(t); !strings.Contains(m.Text, "Added 2 lines") {
		t.Fatalf("confirmation = %q", m.Text)
	}
}

func TestContentPasteAsText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "cat", "quotes")))
	f.router.Handle(ctx, msgUpdate(adminID, "one\ntwo\nthree"))

	if got := f.store.content["quotes"]; len(got) != 3 {
		t.Fatalf("stored %v", got)
	}
}

func TestBroadcastFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "bcastu", "")))
	f.router.Handle(ctx, msgUpdate(adminID, "maintenance tonight"))

	if len(f.bcast.userTexts) != 1 || f.bcast.userTexts[0] != "maintenance tonight" {
		t.Fatalf("user broadcasts = %v", f.bcast.userTexts)
	}
	if m := f.lastSent(t); !strings.Contains(m.Text, "Broadcast done") {
		t.Fatalf("confirmation = %q", m.Text)
	}
}

func TestCancelClearsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "bcastc", "")))
	f.router.Handle(ctx, msgUpdate(adminID, "/cancel"))
	f.router.Handle(ctx, msgUpdate(adminID, "this is not a broadcast"))

	if len(f.bcast.channelTexts) != 0 {
		t.Fatalf("cancelled broadcast still ran: %v", f.bcast.channelTexts)
	}
}

func TestChannelToggleAndPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.channels[-5] = channel.Channel{ChatID: -5, Title: "T", Category: "love", Policy: channel.DefaultPolicy{}, Active: true}

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "toggle", "-5")))
	if f.store.channels[-5].Active {
		t.Fatal("toggle did not pause the channel")
	}

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "pub", "-5")))
	if len(f.pub.calls) != 1 || f.pub.calls[0] != -5 {
		t.Fatalf("publish calls = %v", f.pub.calls)
	}

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "del", "-5")))
	if _, ok := f.store.channels[-5]; ok {
		t.Fatal("delete did not remove the channel")
	}
}

func TestGroupEnableKeyword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upd := transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID:    -200,
			ChatTitle: "Friends",
			FromID:    adminID,
			Text:      "Enable Posting",
			IsGroup:   true,
		},
	}
	f.router.Handle(ctx, upd)

	ch, ok := f.store.channels[-200]
	if !ok {
		t.Fatal("group not registered")
	}
	if ch.Category != "love" || !ch.Active {
		t.Fatalf("group channel = %+v", ch)
	}

	// Non-admins cannot enable.
	upd.Message.ChatID = -201
	upd.Message.FromID = plainID
	f.router.Handle(ctx, upd)
	if _, ok := f.store.channels[-201]; ok {
		t.Fatal("non-admin enabled a group")
	}
}

func TestConfigSwapTakesEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.SetConfig(Config{
		OwnerUserIDs:       []int64{ownerID},
		Categories:         []string{"poetry"},
		GroupEnableKeyword: "post here",
	})

	group := func(chatID int64, text string) transport.Update {
		return transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ChatID:  chatID,
				FromID:  adminID,
				Text:    text,
				IsGroup: true,
			},
		}
	}

	f.router.Handle(ctx, group(-300, "enable posting"))
	if _, ok := f.store.channels[-300]; ok {
		t.Fatal("old keyword still registers groups after a config swap")
	}

	f.router.Handle(ctx, group(-301, "post here"))
	ch, ok := f.store.channels[-301]
	if !ok {
		t.Fatal("new keyword did not register the group")
	}
	if ch.Category != "poetry" {
		t.Fatalf("category = %q, want the swapped-in default", ch.Category)
	}
}

func TestBotRemovedFromChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.channels[-9] = channel.Channel{ChatID: -9, Title: "Gone", Active: true}

	f.router.Handle(ctx, transport.Update{
		Kind: transport.UpdateMemberChange,
		MemberChange: &transport.MemberChange{
			ChatID:    -9,
			Title:     "Gone",
			OldStatus: transport.MemberAdministrator,
			NewStatus: transport.MemberKicked,
		},
	})

	if _, ok := f.store.channels[-9]; ok {
		t.Fatal("channel record survived removal")
	}
	found := false
	for _, m := range f.api.sent {
		if strings.Contains(m.Text, "Disconnected") {
			found = true
		}
	}
	if !found {
		t.Fatal("admins not notified about removal")
	}
}

func TestChannelEditFlows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.channels[-5] = channel.Channel{ChatID: -5, Title: "T", Category: "love", Format: channel.FormatPlain, Policy: channel.DefaultPolicy{}, Active: true}

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "setcat", "-5|quotes")))
	if got := f.store.channels[-5].Category; got != "quotes" {
		t.Fatalf("category = %q, want quotes", got)
	}

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "setfmt", "-5|quote")))
	if got := f.store.channels[-5].Format; got != channel.FormatQuote {
		t.Fatalf("format = %q, want quote", got)
	}

	// Switching to a fixed schedule asks for the hours as text.
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "settime", "-5|fixed")))
	f.router.Handle(ctx, msgUpdate(adminID, "not hours"))
	if _, ok := f.store.channels[-5].Policy.(channel.FixedPolicy); ok {
		t.Fatal("invalid hours were saved")
	}
	f.router.Handle(ctx, msgUpdate(adminID, "9, 21"))
	p, ok := f.store.channels[-5].Policy.(channel.FixedPolicy)
	if !ok || len(p.Hours) != 2 || p.Hours[0] != 9 || p.Hours[1] != 21 {
		t.Fatalf("policy = %#v", f.store.channels[-5].Policy)
	}

	// And back to default directly from the picker.
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "settime", "-5|default")))
	if _, ok := f.store.channels[-5].Policy.(channel.DefaultPolicy); !ok {
		t.Fatalf("policy = %#v", f.store.channels[-5].Policy)
	}

	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("ch", "setcat", "-5|bogus")))
	if got := f.store.channels[-5].Category; got != "quotes" {
		t.Fatalf("unknown category accepted: %q", got)
	}
}

func TestPromoteDemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, cbUpdate(ownerID, tgui.Data("adm", "promote", "")))
	f.router.Handle(ctx, msgUpdate(ownerID, "@someone"))
	if !f.store.users[plainID].IsAdmin {
		t.Fatal("promotion did not stick")
	}

	f.router.Handle(ctx, cbUpdate(ownerID, tgui.Data("adm", "demote", "3")))
	if f.store.users[plainID].IsAdmin {
		t.Fatal("demotion did not stick")
	}

	// Admins (non-owner) cannot reach the admin management surface.
	f.router.Handle(ctx, cbUpdate(adminID, tgui.Data("adm", "promote", "")))
	f.router.Handle(ctx, msgUpdate(adminID, "@someone"))
	if f.store.users[plainID].IsAdmin {
		t.Fatal("non-owner promoted a user")
	}
}
