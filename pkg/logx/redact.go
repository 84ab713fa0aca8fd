package logx

import (
	"io"
	"regexp"

	"github.com/rs/zerolog"
)

// botToken matches Telegram bot credentials ("<bot id>:<secret>"), which
// show up in telebot errors as part of request URLs.
var botToken = regexp.MustCompile(`(\d{5,}):[A-Za-z0-9_-]{30,}`)

// RedactTokens masks every bot token in s, keeping the bot id.
func RedactTokens(s string) string {
	return botToken.ReplaceAllString(s, "$1:***")
}

type redactWriter struct {
	w io.Writer
}

func redact(w io.Writer) zerolog.LevelWriter {
	return redactWriter{w: w}
}

func (r redactWriter) scrub(p []byte) []byte {
	if !botToken.Match(p) {
		return p
	}
	return botToken.ReplaceAll(p, []byte("$1:***"))
}

// Both methods report len(p) so callers never see a short write caused by
// masking.
func (r redactWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(r.scrub(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r redactWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	lw, ok := r.w.(zerolog.LevelWriter)
	if !ok {
		return r.Write(p)
	}
	if _, err := lw.WriteLevel(level, r.scrub(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
