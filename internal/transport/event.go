package transport

import "strings"

type EventKind int

const (
	EventNone EventKind = iota
	EventCommand
	EventMessage
)

// Event is the classified form of an inbound update: either a command or
// a plain message. Exactly one of Command/Message is set.
type Event struct {
	Kind    EventKind
	Command *Command
	Message *PlainMessage
}

type Command struct {
	Name      string // lower-cased, without "/" and "@botname"
	Args      []string
	RawArgs   string // text after the command word, trimmed
	ChatID    int64
	ChatType  string
	UserID    int64
	Username  string
	MessageID int
}

type PlainMessage struct {
	ChatID    int64
	MessageID int
	UserID    int64
}

// IsCommandText reports whether text is command-shaped.
func IsCommandText(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Classify turns an update into an Event. It has no side effects.
func Classify(up Update) Event {
	m := up.Message
	if m == nil {
		return Event{}
	}
	if !IsCommandText(m.Text) {
		return Event{Kind: EventMessage, Message: &PlainMessage{ChatID: m.ChatID, MessageID: m.ID, UserID: m.FromID}}
	}

	text := strings.TrimSpace(m.Text)
	word, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		rest = word[i:] + " " + rest
		word = word[:i]
	}
	name := strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	rest = strings.TrimSpace(rest)

	return Event{
		Kind: EventCommand,
		Command: &Command{
			Name:      strings.ToLower(name),
			Args:      TokenizeArgs(rest),
			RawArgs:   rest,
			ChatID:    m.ChatID,
			ChatType:  m.ChatType,
			UserID:    m.FromID,
			Username:  m.FromUsername,
			MessageID: m.ID,
		},
	}
}

// TokenizeArgs splits command arguments on whitespace, honoring quotes and
// backslash escapes:
//
//	a "b c" 'd'
func TokenizeArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r', ',':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
