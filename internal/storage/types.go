package storage

import (
	"context"
	"errors"
	"time"

	"quotecast/internal/channel"
)

var ErrNotFound = errors.New("not found")

// Config configures storage. Driver is "sqlite" (default when empty).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is an operator/user record, created on first /start.
type User struct {
	ID       int64
	UserID   int64
	Username string
	IsAdmin  bool
	JoinedAt time.Time
}

// ContentItem is one publishable text in a category.
type ContentItem struct {
	ID       int64
	Category string
	Text     string
	Used     int
}

// Stats is the operator-facing counters summary.
type Stats struct {
	Users          int
	ActiveChannels int
	TotalChannels  int
	ContentItems   int
}

// SettingPosting is the global publication kill-switch key.
// Value "on" enables scheduled publishing; anything else disables it.
const SettingPosting = "posting_status"

// Store is the persistence API shared by the publisher, the onboarding
// wizard and the operator surface.
type Store interface {
	// Channel registry.
	UpsertChannel(ctx context.Context, ch channel.Channel) error
	ChannelByChatID(ctx context.Context, chatID int64) (channel.Channel, error)
	ListChannels(ctx context.Context) ([]channel.Channel, error)
	ListActiveChannels(ctx context.Context) ([]channel.Channel, error)
	SetChannelActive(ctx context.Context, chatID int64, active bool) error
	SetChannelCategory(ctx context.Context, chatID int64, category string) error
	SetChannelFormat(ctx context.Context, chatID int64, f channel.Format) error
	SetChannelPolicy(ctx context.Context, chatID int64, p channel.Policy) error
	DeleteChannel(ctx context.Context, chatID int64) error

	// Publish outcome bookkeeping. MarkPublished resets the failure counter;
	// RecordPublishError increments it and returns the new value.
	MarkPublished(ctx context.Context, chatID int64, at time.Time) error
	RecordPublishError(ctx context.Context, chatID int64, detail string) (int, error)

	// Content store.
	AddContent(ctx context.Context, category string, lines []string) (int, error)
	RandomContent(ctx context.Context, category string) (ContentItem, error)

	// Users and roles.
	UpsertUser(ctx context.Context, userID int64, username string) (created bool, err error)
	UserByRef(ctx context.Context, ref string) (User, error)
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	SetAdmin(ctx context.Context, userID int64, admin bool) error
	ListUsers(ctx context.Context) ([]User, error)
	ListAdmins(ctx context.Context) ([]User, error)

	// Settings.
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
