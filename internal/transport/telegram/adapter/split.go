package adapter

import "strings"

// Telegram rejects messages above 4096 characters.
const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes. A cut lands after the
// last newline in the window unless that would leave a chunk shorter than a
// third of the limit.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for len(rs) > 0 {
		n := min(limit, len(rs))
		if n < len(rs) {
			for i := n - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					n = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[:n]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}
