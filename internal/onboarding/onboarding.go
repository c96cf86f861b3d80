// Package onboarding implements the channel registration wizard: a short
// per-operator dialog that turns a channel reference into a stored,
// active publication target.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quotecast/internal/channel"
	"quotecast/internal/resolver"
	"quotecast/internal/transport"
	"quotecast/pkg/logx"
	"quotecast/pkg/tgui"
)

// Scope is the callback-data scope owned by this package.
const Scope = "ob"

// Wizard callback actions.
const (
	ActionCategory = "cat"
	ActionFormat   = "fmt"
	ActionTiming   = "timing"
	ActionCancel   = "cancel"
)

type Step string

const (
	StepReference    Step = "reference"
	StepCategory     Step = "category"
	StepFormat       Step = "format"
	StepTiming       Step = "timing"
	StepTimingDetail Step = "timing_detail"
)

// Choice is one inline button: a label plus its callback data.
type Choice struct {
	Label string
	Data  string
}

// Reply is what the wizard wants shown to the operator next.
type Reply struct {
	Text    string
	Choices [][]Choice
}

// Store is the slice of persistence the wizard needs.
type Store interface {
	UpsertChannel(ctx context.Context, ch channel.Channel) error
}

type session struct {
	step      Step
	chatID    int64
	title     string
	category  string
	format    channel.Format
	timing    string // "fixed" or "interval" while awaiting detail
	startedAt time.Time
}

// Wizard holds one in-flight session per operator. Sessions live in
// memory only; a restart simply drops them.
type Wizard struct {
	store Store
	res   *resolver.Resolver
	cats  []string
	log   logx.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

func New(store Store, res *resolver.Resolver, categories []string, log logx.Logger) *Wizard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Wizard{
		store:    store,
		res:      res,
		cats:     categories,
		log:      log,
		sessions: map[int64]*session{},
	}
}

// Begin starts (or restarts) a session for the operator and returns the
// first prompt.
func (w *Wizard) Begin(userID int64) Reply {
	w.mu.Lock()
	w.sessions[userID] = &session{step: StepReference, startedAt: time.Now()}
	w.mu.Unlock()
	return Reply{
		Text: "Send the channel to connect: forward any post from it, " +
			"or send its @username or t.me link.\n\n" +
			"The bot must already be an administrator there.",
		Choices: cancelRow(),
	}
}

// Active reports whether the operator has a session in flight.
func (w *Wizard) Active(userID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[userID]
	return ok
}

// Cancel drops the operator's session if one exists.
func (w *Wizard) Cancel(userID int64) (Reply, bool) {
	w.mu.Lock()
	_, ok := w.sessions[userID]
	delete(w.sessions, userID)
	w.mu.Unlock()
	if !ok {
		return Reply{}, false
	}
	return Reply{Text: "Setup cancelled."}, true
}

// HandleText feeds an operator message into the session. The second
// return value is false when no session is waiting for text input.
func (w *Wizard) HandleText(ctx context.Context, userID int64, text string, forward *transport.ForwardOrigin) (Reply, bool) {
	w.mu.Lock()
	s, ok := w.sessions[userID]
	w.mu.Unlock()
	if !ok {
		return Reply{}, false
	}

	switch s.step {
	case StepReference:
		return w.handleReference(ctx, userID, s, text, forward), true
	case StepTimingDetail:
		return w.handleTimingDetail(ctx, userID, s, text), true
	default:
		// Button step: nudge instead of consuming the text.
		return Reply{Text: "Use the buttons above, or /cancel to stop.", Choices: cancelRow()}, true
	}
}

// HandleCallback feeds a button press into the session.
func (w *Wizard) HandleCallback(ctx context.Context, userID int64, action, payload string) (Reply, bool) {
	if action == ActionCancel {
		return w.Cancel(userID)
	}

	w.mu.Lock()
	s, ok := w.sessions[userID]
	w.mu.Unlock()
	if !ok {
		return Reply{Text: "No setup in progress. Use the menu to start one."}, true
	}

	switch {
	case action == ActionCategory && s.step == StepCategory:
		return w.handleCategory(userID, s, payload), true
	case action == ActionFormat && s.step == StepFormat:
		return w.handleFormat(userID, s, payload), true
	case action == ActionTiming && s.step == StepTiming:
		return w.handleTiming(ctx, userID, s, payload), true
	default:
		return Reply{Text: "That button belongs to an earlier step. Use the latest prompt, or /cancel."}, true
	}
}

func (w *Wizard) handleReference(ctx context.Context, userID int64, s *session, text string, forward *transport.ForwardOrigin) Reply {
	var (
		resolved resolver.Resolved
		err      error
	)
	if forward != nil {
		resolved, err = w.res.ResolveForward(ctx, *forward)
	} else {
		resolved, err = w.res.ResolveText(ctx, text)
	}
	if err != nil {
		return Reply{Text: referenceFailure(err), Choices: cancelRow()}
	}

	s.chatID = resolved.ChatID
	s.title = resolved.Title
	w.advance(userID, s, StepCategory)
	return w.categoryPrompt(s)
}

func (w *Wizard) handleCategory(userID int64, s *session, payload string) Reply {
	if !w.knownCategory(payload) {
		return w.categoryPrompt(s)
	}
	s.category = payload
	w.advance(userID, s, StepFormat)
	return formatPrompt()
}

func (w *Wizard) handleFormat(userID int64, s *session, payload string) Reply {
	f, ok := channel.ParseFormat(payload)
	if !ok {
		return formatPrompt()
	}
	s.format = f
	w.advance(userID, s, StepTiming)
	return timingPrompt()
}

func (w *Wizard) handleTiming(ctx context.Context, userID int64, s *session, payload string) Reply {
	switch payload {
	case "default":
		return w.commit(ctx, userID, s, channel.DefaultPolicy{})
	case "fixed", "interval":
		s.timing = payload
		w.advance(userID, s, StepTimingDetail)
		return timingDetailPrompt(payload)
	default:
		return timingPrompt()
	}
}

func (w *Wizard) handleTimingDetail(ctx context.Context, userID int64, s *session, text string) Reply {
	switch s.timing {
	case "fixed":
		hours, err := channel.ParseHours(text)
		if err != nil {
			return Reply{
				Text:    fmt.Sprintf("%v\n\nSend hours again, for example: 10, 18", err),
				Choices: cancelRow(),
			}
		}
		return w.commit(ctx, userID, s, channel.FixedPolicy{Hours: hours})
	case "interval":
		minutes, err := channel.ParseIntervalMinutes(text)
		if err != nil {
			return Reply{
				Text:    fmt.Sprintf("%v\n\nSend the interval in minutes again, for example: 90", err),
				Choices: cancelRow(),
			}
		}
		return w.commit(ctx, userID, s, channel.IntervalPolicy{Minutes: minutes})
	default:
		// Session corrupted; start the step over.
		w.advance(userID, s, StepTiming)
		return timingPrompt()
	}
}

// commit writes the channel and ends the session. A storage failure keeps
// the session alive so the operator can retry the last input.
func (w *Wizard) commit(ctx context.Context, userID int64, s *session, p channel.Policy) Reply {
	ch := channel.Channel{
		ChatID:   s.chatID,
		Title:    s.title,
		Category: s.category,
		Format:   s.format,
		Policy:   p,
		Active:   true,
		AddedBy:  userID,
	}
	if err := w.store.UpsertChannel(ctx, ch); err != nil {
		w.log.Error("channel save failed", logx.Int64("chat_id", s.chatID), logx.Err(err))
		return Reply{
			Text:    "Could not save the channel. Try the last step again, or /cancel.",
			Choices: cancelRow(),
		}
	}

	w.mu.Lock()
	delete(w.sessions, userID)
	w.mu.Unlock()

	w.log.Info("channel connected",
		logx.Int64("chat_id", s.chatID),
		logx.String("category", s.category),
		logx.Int64("added_by", userID),
	)
	return Reply{Text: fmt.Sprintf("Connected %q: %s, %s format, %s.",
		s.title, s.category, s.format, channel.Describe(p))}
}

func (w *Wizard) advance(userID int64, s *session, to Step) {
	s.step = to
	w.mu.Lock()
	w.sessions[userID] = s
	w.mu.Unlock()
}

func (w *Wizard) knownCategory(c string) bool {
	for _, k := range w.cats {
		if k == c {
			return true
		}
	}
	return false
}

func (w *Wizard) categoryPrompt(s *session) Reply {
	var rows [][]Choice
	row := []Choice{}
	for _, c := range w.cats {
		row = append(row, Choice{Label: titleCase(c), Data: tgui.Data(Scope, ActionCategory, c)})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, cancelRow()...)
	return Reply{
		Text:    fmt.Sprintf("Connected to %q. Pick a content category:", s.title),
		Choices: rows,
	}
}

func formatPrompt() Reply {
	return Reply{
		Text: "How should posts look?",
		Choices: append([][]Choice{{
			{Label: "Plain text", Data: tgui.Data(Scope, ActionFormat, string(channel.FormatPlain))},
			{Label: "Quote block", Data: tgui.Data(Scope, ActionFormat, string(channel.FormatQuote))},
		}}, cancelRow()...),
	}
}

func timingPrompt() Reply {
	return Reply{
		Text: "When should the bot post?",
		Choices: append([][]Choice{
			{{Label: "Random (default)", Data: tgui.Data(Scope, ActionTiming, "default")}},
			{{Label: "Fixed hours", Data: tgui.Data(Scope, ActionTiming, "fixed")}},
			{{Label: "Every N minutes", Data: tgui.Data(Scope, ActionTiming, "interval")}},
		}, cancelRow()...),
	}
}

func timingDetailPrompt(kind string) Reply {
	if kind == "fixed" {
		return Reply{
			Text:    "Send the posting hours (0-23) separated by commas, for example: 10, 18",
			Choices: cancelRow(),
		}
	}
	return Reply{
		Text:    "Send the posting interval in minutes, for example: 90",
		Choices: cancelRow(),
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func cancelRow() [][]Choice {
	return [][]Choice{{{Label: "Cancel", Data: tgui.Data(Scope, ActionCancel, "")}}}
}

func referenceFailure(err error) string {
	switch {
	case errors.Is(err, resolver.ErrNotAChannel):
		return "That is not a channel or broadcast group. Forward a post from the channel itself, or send its @username."
	case errors.Is(err, resolver.ErrNotAdmin):
		return "The bot is not an administrator there. Add it as an admin with posting rights, then try again."
	case errors.Is(err, resolver.ErrNotFound):
		return "Could not find that channel. Check the @username or link and try again."
	case errors.Is(err, resolver.ErrUnsupportedLink):
		return "Private invite links cannot be used. Send the channel's public @username, or forward a post from it."
	default:
		return "Could not verify the channel. Try again, or /cancel."
	}
}
