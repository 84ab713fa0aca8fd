package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateChannelPost UpdateKind = "channel_post"
)

// Update is a platform-neutral inbound update, produced by an adapter.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatType     string
	FromID       int64 // 0 for anonymous channel posts
	FromUsername string
	Text         string // text or caption
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatInfo describes a resolved chat.
type ChatInfo struct {
	ID       int64
	Type     string
	Title    string
	Username string
}

// BotIdentity is the result of an identity probe for a credential.
type BotIdentity struct {
	ID       int64
	Username string
}

// Client is the outbound surface the relay needs from the chat platform.
type Client interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Forward(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
	Copy(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
	// ChatInfo resolves a numeric chat id or an @username.
	ChatInfo(ctx context.Context, ref string) (ChatInfo, error)
}

// Adapter is a running connection for one credential.
type Adapter interface {
	Client
	Identity() BotIdentity
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// Prober validates a credential without starting an instance.
type Prober interface {
	Probe(ctx context.Context, token string) (BotIdentity, error)
}

// AdapterFactory builds an adapter for a credential.
type AdapterFactory func(ctx context.Context, token string) (Adapter, error)

// BotCommand is a single command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional adapter capability.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

var ErrChatNotFound = errors.New("chat not found")
