// Package transport defines the platform-neutral messaging surface.
// The Telegram adapter implements it; core packages only see these types.
package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateCallback     UpdateKind = "callback"
	UpdateMemberChange UpdateKind = "member_change"
)

type Update struct {
	Kind         UpdateKind
	Message      *Message
	Callback     *Callback
	MemberChange *MemberChange
}

// ChatKind is the platform's chat classification.
type ChatKind string

const (
	ChatChannel    ChatKind = "channel"
	ChatSupergroup ChatKind = "supergroup"
	ChatGroup      ChatKind = "group"
	ChatPrivate    ChatKind = "private"
)

// Broadcastable reports whether the kind can act as a publication target.
func (k ChatKind) Broadcastable() bool {
	return k == ChatChannel || k == ChatSupergroup
}

// ForwardOrigin describes the origin chat of a forwarded message.
type ForwardOrigin struct {
	ChatID int64
	Title  string
	Kind   ChatKind
}

// Document is an attached file (only text uploads are consumed).
type Document struct {
	FileID   string
	FileName string
	MIME     string
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	Forward      *ForwardOrigin
	Document     *Document
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// MemberChange reports a change of the bot's own membership in a chat.
type MemberChange struct {
	ChatID    int64
	Title     string
	OldStatus MemberStatus
	NewStatus MemberStatus
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// ChatInfo is the result of a chat lookup.
type ChatInfo struct {
	ChatID   int64
	Title    string
	Username string
	Kind     ChatKind
}

// MemberStatus is the bot's (or a user's) membership status in a chat.
type MemberStatus string

const (
	MemberCreator       MemberStatus = "creator"
	MemberAdministrator MemberStatus = "administrator"
	MemberMember        MemberStatus = "member"
	MemberRestricted    MemberStatus = "restricted"
	MemberLeft          MemberStatus = "left"
	MemberKicked        MemberStatus = "kicked"
)

// CanPublish reports whether the status grants publishing rights.
func (s MemberStatus) CanPublish() bool {
	return s == MemberCreator || s == MemberAdministrator
}

// Gone reports a definitive "bot removed" status.
func (s MemberStatus) Gone() bool {
	return s == MemberLeft || s == MemberKicked
}

// ErrClass partitions send failures for retry/deactivation decisions.
type ErrClass string

const (
	ErrRateLimited ErrClass = "rate_limited"
	ErrForbidden   ErrClass = "forbidden"
	ErrNotFound    ErrClass = "not_found"
	ErrOther       ErrClass = "other"
)

// Definitive reports whether the class means the target is unreachable for
// good (bot demoted/kicked, chat deleted) rather than transiently failing.
func (c ErrClass) Definitive() bool {
	return c == ErrForbidden || c == ErrNotFound
}

// SendError wraps a dispatch failure with its class.
type SendError struct {
	Class ErrClass
	Err   error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// ClassOf extracts the error class, defaulting to ErrOther.
func ClassOf(err error) ErrClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return ErrOther
}

// Sender is the dispatch sink used by the publisher and broadcast services.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// ChatAPI is the lookup surface used by the resolver and onboarding.
type ChatAPI interface {
	// ChatByReference resolves a handle ("@name") or a numeric id string.
	ChatByReference(ctx context.Context, ref string) (ChatInfo, error)
	// MemberStatus returns userID's status in chatID.
	MemberStatus(ctx context.Context, chatID, userID int64) (MemberStatus, error)
	// SelfID is the bot's own user id.
	SelfID() int64
}

// FileFetcher downloads an uploaded document (content ingestion).
type FileFetcher interface {
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// Adapter is the full platform client owned by the app.
type Adapter interface {
	Sender
	ChatAPI
	FileFetcher

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

var ErrChatNotFound = errors.New("chat not found")
