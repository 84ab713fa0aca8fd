// Package relay delivers plain messages from a source chat to the
// destinations configured for it, and drives the per-instance event loop.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/fanout"
	"relaybot/internal/observability/metrics"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const ActionForward = "forward"

// Recorder receives action log entries. actionlog.Service implements it.
type Recorder interface {
	Record(ctx context.Context, e storage.AuditEntry)
}

type RouterConfig struct {
	Store    storage.RuleStore
	Client   transport.Client
	Recorder Recorder
	Policy   *SharedPolicy
	Self     transport.BotIdentity
	Logger   logx.Logger
}

type Router struct {
	store    storage.RuleStore
	client   transport.Client
	recorder Recorder
	policy   *SharedPolicy
	self     transport.BotIdentity
	log      logx.Logger
	now      func() time.Time
}

// DispatchResult summarizes one Route call across every matching rule.
type DispatchResult struct {
	Source    int64
	MessageID int
	Rules     int
	Attempted int
	Succeeded int
	Failures  []fanout.Failure[int64]
}

func (r DispatchResult) Failed() int { return len(r.Failures) }

func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		store:    cfg.Store,
		client:   cfg.Client,
		recorder: cfg.Recorder,
		policy:   cfg.Policy,
		self:     cfg.Self,
		log:      log.With(logx.String("comp", "relay.router")),
		now:      time.Now,
	}
}

// Route forwards msg to the destinations of every rule for its chat that is
// bound to this instance or to none. A chat without rules is a no-op.
func (r *Router) Route(ctx context.Context, msg transport.PlainMessage) (DispatchResult, error) {
	res := DispatchResult{Source: msg.ChatID, MessageID: msg.MessageID}
	rules, err := r.store.RulesBySource(ctx, msg.ChatID)
	if err != nil {
		return res, fmt.Errorf("lookup rules for %d: %w", msg.ChatID, err)
	}

	pol := r.policy.Get()
	deliver := r.client.Forward
	if pol.Mode == ModeCopy {
		deliver = r.client.Copy
	}
	from := transport.MessageRef{ChatID: msg.ChatID, MessageID: msg.MessageID}
	opts := fanout.Options{Concurrency: pol.Concurrency, PerCallTimeout: pol.CallTimeout}

	start := r.now()
	for _, rule := range rules {
		if rule.BotID != 0 && r.self.ID != 0 && rule.BotID != r.self.ID {
			continue
		}
		res.Rules++
		out := fanout.Run(ctx, rule.Destinations, opts, func(ctx context.Context, dest int64) error {
			_, err := deliver(ctx, transport.ChatTarget{ChatID: dest}, from)
			return err
		})
		res.Attempted += out.Attempted
		res.Succeeded += out.Succeeded
		res.Failures = append(res.Failures, out.Failures...)
	}
	if res.Attempted == 0 {
		return res, nil
	}
	took := r.now().Sub(start)

	instance := r.self.Username
	metrics.ForwardLatency.WithLabelValues(instance).Observe(took.Seconds())
	metrics.ForwardAttempts.WithLabelValues(instance, "ok").Add(float64(res.Succeeded))
	for _, f := range res.Failures {
		result := "fail"
		if errors.Is(f.Err, fanout.ErrTimeout) {
			result = "timeout"
		}
		metrics.ForwardAttempts.WithLabelValues(instance, result).Inc()
		r.log.Warn("forward failed",
			logx.Int64("source", msg.ChatID),
			logx.Int64("dest", f.Target),
			logx.Err(f.Err),
		)
	}

	r.record(ctx, msg, res, took)
	return res, nil
}

func (r *Router) record(ctx context.Context, msg transport.PlainMessage, res DispatchResult, took time.Duration) {
	if r.recorder == nil {
		return
	}
	e := storage.AuditEntry{
		Instance: r.self.Username,
		ActorID:  msg.UserID,
		ChatID:   msg.ChatID,
		Action:   ActionForward,
		Detail:   fmt.Sprintf("message %d to %d destination(s)", msg.MessageID, res.Attempted),
		OK:       res.Succeeded,
		Fail:     res.Failed(),
		TookMS:   took.Milliseconds(),
	}
	if len(res.Failures) > 0 {
		parts := make([]string, 0, len(res.Failures))
		for _, f := range res.Failures {
			parts = append(parts, strconv.FormatInt(f.Target, 10)+": "+f.Err.Error())
		}
		e.Error = strings.Join(parts, "; ")
	}
	r.recorder.Record(ctx, e)
}
