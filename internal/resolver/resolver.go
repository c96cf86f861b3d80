// Package resolver turns free-form channel references (handles, links,
// forwarded messages) into verified publication targets.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quotecast/internal/transport"
)

var (
	// ErrNotAChannel: the reference points at a user or plain chat, not a
	// broadcast-capable destination.
	ErrNotAChannel = errors.New("not a channel or broadcast group")
	// ErrNotAdmin: the bot found the chat but lacks publishing rights.
	ErrNotAdmin = errors.New("bot is not an administrator in the channel")
	// ErrNotFound: the platform lookup failed.
	ErrNotFound = errors.New("channel not found")
	// ErrUnsupportedLink: private invite links and internal deep links
	// cannot be resolved to a public identity.
	ErrUnsupportedLink = errors.New("unsupported link form")
)

// Resolved is a verified destination: identity plus confirmed bot rights.
type Resolved struct {
	ChatID int64
	Title  string
}

type Resolver struct {
	chats transport.ChatAPI
}

func New(chats transport.ChatAPI) *Resolver {
	return &Resolver{chats: chats}
}

// ResolveForward accepts the origin of a forwarded message.
func (r *Resolver) ResolveForward(ctx context.Context, origin transport.ForwardOrigin) (Resolved, error) {
	if !origin.Kind.Broadcastable() {
		return Resolved{}, ErrNotAChannel
	}
	return r.verify(ctx, origin.ChatID, origin.Title)
}

// ResolveText accepts a handle, a t.me link or a bare identifier.
func (r *Resolver) ResolveText(ctx context.Context, text string) (Resolved, error) {
	ref, err := normalizeReference(text)
	if err != nil {
		return Resolved{}, err
	}

	info, err := r.chats.ChatByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, transport.ErrChatNotFound) {
			return Resolved{}, ErrNotFound
		}
		return Resolved{}, fmt.Errorf("chat lookup: %w", err)
	}
	if !info.Kind.Broadcastable() {
		return Resolved{}, ErrNotAChannel
	}
	return r.verify(ctx, info.ChatID, info.Title)
}

// verify performs the membership check shared by both input paths.
func (r *Resolver) verify(ctx context.Context, chatID int64, title string) (Resolved, error) {
	status, err := r.chats.MemberStatus(ctx, chatID, r.chats.SelfID())
	if err != nil {
		if transport.ClassOf(err).Definitive() {
			return Resolved{}, ErrNotAdmin
		}
		return Resolved{}, fmt.Errorf("membership check: %w", err)
	}
	if !status.CanPublish() {
		return Resolved{}, ErrNotAdmin
	}
	return Resolved{ChatID: chatID, Title: title}, nil
}

// normalizeReference reduces the accepted text forms to a single lookup key:
// "@handle" or a numeric chat id string. It rejects forms that can never
// resolve with a specific error instead of a generic lookup failure.
func normalizeReference(text string) (string, error) {
	txt := strings.TrimSpace(text)
	if txt == "" || strings.ContainsAny(txt, " \n\t") {
		return "", ErrNotFound
	}

	low := strings.ToLower(txt)
	switch {
	case strings.HasPrefix(low, "tg://"):
		return "", ErrUnsupportedLink

	case strings.HasPrefix(txt, "@"):
		return txt, nil

	case strings.HasPrefix(txt, "-100"):
		return txt, nil

	case strings.Contains(low, "t.me/"):
		rest := low[strings.Index(low, "t.me/")+len("t.me/"):]
		ident := rest
		if i := strings.IndexAny(ident, "/?"); i >= 0 {
			ident = ident[:i]
		}
		ident = strings.TrimSpace(ident)
		if ident == "" {
			return "", ErrNotFound
		}
		// Private invite links carry an opaque hash, not a handle.
		if strings.HasPrefix(ident, "+") || ident == "joinchat" {
			return "", ErrUnsupportedLink
		}
		return "@" + ident, nil

	case strings.HasPrefix(low, "http://"), strings.HasPrefix(low, "https://"):
		// An http(s) link that is not t.me cannot name a channel.
		return "", ErrUnsupportedLink

	default:
		// Bare word: treat as a handle without the marker.
		return "@" + txt, nil
	}
}
