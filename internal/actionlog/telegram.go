package actionlog

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
)

// TextSender is the part of transport.Client the Telegram mirror needs.
type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// TelegramSink posts entries to a log chat. The sender is bound once an
// instance is running; until then entries are skipped.
type TelegramSink struct {
	chatID  int64
	limiter *rate.Limiter

	mu     sync.RWMutex
	sender TextSender
}

// NewTelegramSink returns nil when chatID is 0. ratePerSec <= 0 means 1/s.
func NewTelegramSink(chatID int64, ratePerSec int) *TelegramSink {
	if chatID == 0 {
		return nil
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &TelegramSink{chatID: chatID, limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

func (t *TelegramSink) Bind(sender TextSender) {
	t.mu.Lock()
	t.sender = sender
	t.mu.Unlock()
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Publish(ctx context.Context, e storage.AuditEntry) error {
	t.mu.RLock()
	sender := t.sender
	t.mu.RUnlock()
	if sender == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := sender.SendText(ctx, transport.ChatTarget{ChatID: t.chatID}, FormatText(e), &transport.SendOptions{DisablePreview: true})
	return err
}

func (t *TelegramSink) Close() error { return nil }
