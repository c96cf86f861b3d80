// Package channel holds the destination-channel model shared by the
// registry, the publisher and the onboarding wizard.
package channel

import "time"

// Format controls how a content item is wrapped before dispatch.
type Format string

const (
	FormatPlain Format = "plain"
	FormatQuote Format = "quote"
)

func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatPlain, FormatQuote:
		return Format(s), true
	default:
		return "", false
	}
}

// Channel is one configured outbound destination.
type Channel struct {
	ID              int64 // registry row id
	ChatID          int64 // platform chat identifier, unique
	Title           string
	Category        string
	Format          Format
	Policy          Policy
	LastPublishedAt *time.Time
	Active          bool
	ErrorCount      int
	LastError       string
	AddedBy         int64
	AddedAt         time.Time
}
