// Package commands implements the text command surface of a relay instance.
// Every command gets exactly one reply, prefixed with a success or failure
// marker.
package commands

import (
	"context"
	"strings"
	"time"

	"relaybot/internal/instance"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	markOK   = "✅"
	markFail = "❌"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Redact keeps arguments out of logs and the action log.
	Redact bool
	Handle HandlerFunc
}

type Request struct {
	*transport.Command
	Log logx.Logger
	// Detail overrides the action log detail (default: raw arguments).
	Detail string
}

// Instances is the part of the instance manager the commands use.
type Instances interface {
	RegisterAndStart(ctx context.Context, token string, owner int64) (*instance.Handle, error)
	Infos() []instance.Info
}

type Config struct {
	Store     storage.Store
	Client    transport.Client
	Self      transport.BotIdentity
	Owners    *OwnerSet
	Instances Instances
	Recorder  relay.Recorder
	Policy    *relay.SharedPolicy
	// Registrant is the user that registered this clone; 0 on the primary.
	Registrant int64
	Timeout    time.Duration // per command; default 30s
	Logger     logx.Logger
}

type Processor struct {
	cfg      Config
	log      logx.Logger
	commands []Command
	index    map[string]int
	now      func() time.Time
}

func NewProcessor(cfg Config) *Processor {
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &Processor{
		cfg: cfg,
		log: log.With(logx.String("comp", "commands")),
		now: time.Now,
	}
	p.commands = p.table()
	p.index = make(map[string]int, len(p.commands)*2)
	for i, c := range p.commands {
		p.index[c.Name] = i
		for _, a := range c.Aliases {
			p.index[a] = i
		}
	}
	return p
}

func (p *Processor) isOwner(userID int64) bool {
	if userID == 0 {
		return false
	}
	if p.cfg.Owners.Contains(userID) {
		return true
	}
	return p.cfg.Registrant != 0 && userID == p.cfg.Registrant
}

// Handle runs cmd and sends its reply. Errors never escape.
func (p *Processor) Handle(ctx context.Context, cmd *transport.Command) {
	if cmd == nil {
		return
	}
	req := &Request{
		Command: cmd,
		Log:     p.log.With(logx.String("cmd", cmd.Name)),
	}

	i, ok := p.index[cmd.Name]
	if !ok {
		p.reply(ctx, req, false, "Unknown command /"+cmd.Name+". Send /help for the list.")
		return
	}
	c := p.commands[i]
	if !c.Redact {
		req.Detail = cmd.RawArgs
	}

	h := c.Handle
	if c.Access == AccessOwnerOnly {
		h = p.ownerOnly(h)
	}
	h = Chain(h, MWRequestLog(), MWPanicRecover(), MWTimeout(p.cfg.Timeout))

	start := p.now()
	text, err := h(ctx, req)
	took := p.now().Sub(start)
	if err != nil {
		msg, expected := userMessage(err)
		if !expected {
			req.Log.Error("command error", logx.Err(err))
		}
		p.reply(ctx, req, false, msg)
	} else {
		p.reply(ctx, req, true, text)
	}
	p.record(ctx, req, c.Name, err, took)
}

func (p *Processor) ownerOnly(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		if !p.isOwner(req.UserID) {
			return "", ErrPermission
		}
		return next(ctx, req)
	}
}

func (p *Processor) reply(ctx context.Context, req *Request, ok bool, text string) {
	mark := markFail
	if ok {
		mark = markOK
	}
	text = strings.TrimSpace(text)
	if text != "" {
		text = mark + " " + text
	} else {
		text = mark
	}
	// Reply even when the command timed out.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if _, err := p.cfg.Client.SendText(sctx, transport.ChatTarget{ChatID: req.ChatID}, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		req.Log.Warn("reply failed", logx.Int64("chat_id", req.ChatID), logx.Err(err))
	}
}

func (p *Processor) record(ctx context.Context, req *Request, action string, err error, took time.Duration) {
	if p.cfg.Recorder == nil {
		return
	}
	e := storage.AuditEntry{
		Instance:      p.cfg.Self.Username,
		ActorID:       req.UserID,
		ActorUsername: req.Username,
		ChatID:        req.ChatID,
		Action:        action,
		Detail:        req.Detail,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		e.Fail = 1
		e.Error = err.Error()
	} else {
		e.OK = 1
	}
	p.cfg.Recorder.Record(ctx, e)
}
