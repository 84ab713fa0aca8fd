package relay

import (
	"context"
	"fmt"
	"runtime/debug"

	"relaybot/internal/observability/metrics"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// CommandHandler executes one classified command. commands.Processor
// implements it.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *transport.Command)
}

// Dispatcher consumes one instance's updates in arrival order.
type Dispatcher struct {
	instance string
	router   *Router
	commands CommandHandler
	log      logx.Logger
}

func NewDispatcher(instance string, router *Router, commands CommandHandler, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		instance: instance,
		router:   router,
		commands: commands,
		log:      log.With(logx.String("comp", "relay.dispatcher")),
	}
}

// Run handles updates one at a time until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			d.HandleUpdate(ctx, up)
		}
	}
}

// HandleUpdate never panics; a panic while handling one event is logged and
// the loop moves on.
func (d *Dispatcher) HandleUpdate(ctx context.Context, up transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventPanics.WithLabelValues(d.instance).Inc()
			d.log.Error("event handler panic",
				logx.String("panic", fmt.Sprint(r)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	ev := transport.Classify(up)
	switch ev.Kind {
	case transport.EventCommand:
		metrics.Events.WithLabelValues(d.instance, "command").Inc()
		if d.commands != nil {
			d.commands.Handle(ctx, ev.Command)
		}
	case transport.EventMessage:
		metrics.Events.WithLabelValues(d.instance, "message").Inc()
		if d.router == nil {
			return
		}
		if _, err := d.router.Route(ctx, *ev.Message); err != nil {
			d.log.Warn("route failed", logx.Int64("chat_id", ev.Message.ChatID), logx.Err(err))
		}
	default:
		metrics.Events.WithLabelValues(d.instance, "ignored").Inc()
	}
}
