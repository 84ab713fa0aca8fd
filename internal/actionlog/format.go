package actionlog

import (
	"fmt"
	"strings"

	"relaybot/internal/storage"
)

const maxMirrorText = 3500

// FormatText renders an entry for a chat log.
func FormatText(e storage.AuditEntry) string {
	var b strings.Builder
	mark := "✅"
	if e.Error != "" || e.Fail > 0 {
		mark = "❌"
	}
	fmt.Fprintf(&b, "%s %s", mark, e.Action)
	if e.Instance != "" {
		fmt.Fprintf(&b, " @%s", e.Instance)
	}
	b.WriteString("\n")

	var who []string
	if e.ChatID != 0 {
		who = append(who, fmt.Sprintf("chat %d", e.ChatID))
	}
	switch {
	case e.ActorUsername != "":
		who = append(who, fmt.Sprintf("by @%s (%d)", e.ActorUsername, e.ActorID))
	case e.ActorID != 0:
		who = append(who, fmt.Sprintf("by %d", e.ActorID))
	}
	if len(who) > 0 {
		b.WriteString(strings.Join(who, " · "))
		b.WriteString("\n")
	}
	if e.OK > 0 || e.Fail > 0 {
		fmt.Fprintf(&b, "ok=%d fail=%d", e.OK, e.Fail)
		if e.TookMS > 0 {
			fmt.Fprintf(&b, " took=%dms", e.TookMS)
		}
		b.WriteString("\n")
	}
	if e.Detail != "" {
		b.WriteString(e.Detail)
		b.WriteString("\n")
	}
	if e.Error != "" {
		b.WriteString("err: ")
		b.WriteString(e.Error)
	}
	s := strings.TrimRight(b.String(), "\n")
	if r := []rune(s); len(r) > maxMirrorText {
		s = string(r[:maxMirrorText-1]) + "…"
	}
	return s
}
