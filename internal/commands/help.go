package commands

import (
	"strings"

	"relaybot/internal/transport"
)

func (p *Processor) helpText(owner bool) string {
	var b strings.Builder
	b.WriteString("Relay bot: forwards every message posted in this chat to the chats you choose.\n")
	b.WriteString("Destinations are chat ids (-100…) or @usernames; add the bot to them first.\n")
	for _, c := range p.commands {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		b.WriteString("\n")
		b.WriteString(c.Usage)
		b.WriteString(" - ")
		b.WriteString(c.Description)
	}
	return b.String()
}

// Menu lists the commands shown in the Telegram command menu. Owner-only
// commands are left out.
func Menu() []transport.BotCommand {
	var out []transport.BotCommand
	for _, c := range (&Processor{}).table() {
		if c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}
