package commands

import (
	"context"
	"errors"
	"fmt"

	"relaybot/internal/instance"
	"relaybot/internal/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrPermission   = errors.New("permission denied")
)

// inputError carries a message meant for the user.
type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }
func (e *inputError) Unwrap() error { return ErrInvalidInput }

func invalidf(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

// userMessage renders err for the failure reply. ok reports whether err is
// an expected outcome; anything else gets a generic text and is logged.
func userMessage(err error) (msg string, ok bool) {
	var in *inputError
	switch {
	case errors.As(err, &in):
		return in.msg, true
	case errors.Is(err, ErrPermission):
		return "Permission denied.", true
	case errors.Is(err, storage.ErrNotConfigured):
		return "No forwarding is configured for this chat. Use /setforward first.", true
	case errors.Is(err, instance.ErrInvalidCredential):
		return "Telegram rejected that bot token.", true
	case errors.Is(err, instance.ErrAlreadyRunning):
		return "That bot is already starting.", true
	case errors.Is(err, instance.ErrStopped):
		return "Shutting down, please try again later.", true
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out, please try again.", false
	default:
		return "Something went wrong, please try again later.", false
	}
}
