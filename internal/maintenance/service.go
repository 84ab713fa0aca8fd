// Package maintenance runs periodic housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/observability/metrics"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

const DefaultPruneCron = "@daily"

type Config struct {
	PruneCron string
	Timezone  string
	// Retention <= 0 disables pruning.
	Retention  time.Duration
	JobTimeout time.Duration // default 5m
}

type Service struct {
	cfg    Config
	store  storage.AuditStore
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

func New(cfg Config, store storage.AuditStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.PruneCron) == "" {
		cfg.PruneCron = DefaultPruneCron
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Start schedules the jobs. It is a no-op when retention is disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.cfg.Retention <= 0 {
		s.log.Info("action log pruning disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance timezone %q: %w", tz, err)
		}
		loc = l
	}

	jctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	_, err := c.AddFunc(s.cfg.PruneCron, func() {
		rctx, rcancel := context.WithTimeout(jctx, s.cfg.JobTimeout)
		defer rcancel()
		if _, err := s.PruneOnce(rctx); err != nil {
			s.log.Warn("action log prune failed", logx.Err(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("maintenance prune_cron %q: %w", s.cfg.PruneCron, err)
	}
	c.Start()
	s.c, s.cancel = c, cancel
	s.log.Info("maintenance started",
		logx.String("prune_cron", s.cfg.PruneCron),
		logx.Duration("retention", s.cfg.Retention),
		logx.String("tz", loc.String()),
	)
	return nil
}

// PruneOnce removes action log entries older than the retention window.
func (s *Service) PruneOnce(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.PruneAudit(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.AuditPruned.Add(float64(n))
	if n > 0 {
		s.log.Info("action log pruned", logx.Int64("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
