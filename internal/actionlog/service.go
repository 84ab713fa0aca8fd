// Package actionlog records administrative and forwarding actions.
//
// Record persists synchronously to the store and then queues the entry for
// the optional mirrors (a Telegram log chat, a Kafka topic). Neither path
// ever fails the action being recorded.
package actionlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/observability/metrics"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Sink mirrors entries to an external destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e storage.AuditEntry) error
	Close() error
}

type Options struct {
	QueueSize    int           // default 256
	StoreTimeout time.Duration // default 2s
	SinkTimeout  time.Duration // default 10s
}

type Service struct {
	store storage.AuditStore
	log   logx.Logger
	opts  Options
	sinks []Sink

	mu      sync.Mutex
	queue   chan storage.AuditEntry
	sup     *rtsup.Supervisor
	stopped bool

	now func() time.Time
}

func New(store storage.AuditStore, log logx.Logger, opts Options, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 10 * time.Second
	}
	var active []Sink
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Service{
		store: store,
		log:   log.With(logx.String("comp", "actionlog")),
		opts:  opts,
		sinks: active,
		now:   time.Now,
	}
}

// Start launches the mirror worker. Without sinks it is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sinks) == 0 || s.sup != nil || s.stopped {
		return
	}
	s.queue = make(chan storage.AuditEntry, s.opts.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithScope("actionlog"))
	q := s.queue
	s.sup.GoRestart("actionlog.mirror", func(ctx context.Context) error {
		return s.mirrorLoop(ctx, q)
	}, rtsup.WithStopOnCleanExit(true))
}

// Record appends e to the action log. It never returns an error: failures are
// logged and counted.
func (s *Service) Record(ctx context.Context, e storage.AuditEntry) {
	if s == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = s.now()
	}

	if s.store != nil {
		// Detached from the caller so a canceled request still gets logged.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
		err := s.store.AppendAudit(sctx, e)
		cancel()
		if err != nil {
			metrics.ActionLogErrors.WithLabelValues("store").Inc()
			s.log.Warn("action log write failed", logx.String("action", e.Action), logx.Err(err))
		}
	}

	s.mu.Lock()
	q := s.queue
	stopped := s.stopped
	s.mu.Unlock()
	if q == nil || stopped {
		return
	}
	select {
	case q <- e:
	default:
		metrics.ActionLogDropped.Inc()
		s.log.Debug("action log mirror queue full; entry dropped", logx.String("action", e.Action))
	}
}

func (s *Service) mirrorLoop(ctx context.Context, q <-chan storage.AuditEntry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-q:
			if !ok {
				return nil
			}
			s.publish(ctx, e)
		}
	}
}

func (s *Service) publish(ctx context.Context, e storage.AuditEntry) {
	for _, sink := range s.sinks {
		pctx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
		err := sink.Publish(pctx, e)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			metrics.ActionLogErrors.WithLabelValues(sink.Name()).Inc()
			s.log.Warn("action log mirror failed", logx.String("sink", sink.Name()), logx.Err(err))
		}
	}
}

// Stop drains queued entries until ctx expires, then closes the sinks.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	var errs []error
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		// Whatever the worker did not get to is flushed here.
	drain:
		for ctx.Err() == nil {
			select {
			case e := <-q:
				s.publish(ctx, e)
			default:
				break drain
			}
		}
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
