// Package scheduler re-runs the hedge pipeline on a fixed interval with a
// configuration snapshot taken at startup.
package scheduler

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/pipeline"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Runner is the pipeline entry point.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error)
}

// Scheduler ticks at Interval. Runs are handled on the ticker goroutine, so
// two never overlap; ticks that arrive during a run are dropped.
type Scheduler struct {
	runner   Runner
	input    pipeline.Input
	interval time.Duration
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// New snapshots in; later changes by the caller are not seen. timeout <= 0
// bounds each run by the interval.
func New(runner Runner, in pipeline.Input, interval, timeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "scheduler.New", "interval must be positive, got %s", interval)
	}
	if timeout <= 0 {
		timeout = interval
	}
	in.Targets = append(in.Targets[:0:0], in.Targets...)
	in.Weights = append(in.Weights[:0:0], in.Weights...)
	return &Scheduler{
		runner:   runner,
		input:    in,
		interval: interval,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done. The first run happens after one interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Str("account", s.input.Account.Hex()).
		Bool("auto_execute", s.input.AutoExecute).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single scheduled run and returns its outcome label.
func (s *Scheduler) RunOnce(ctx context.Context) string {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out, err := s.runner.Run(runCtx, s.input)
	outcome := classify(out, err)

	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(outcome).Inc()
		s.metrics.SchedulerLastRun.Set(float64(start.Unix()))
	}

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Warn().Err(err).Str("kind", string(errs.KindOf(err)))
	}
	if out != nil {
		ev = ev.Str("drop_percent", out.Evaluation.DropPercent.StringFixed(2)).Int("settlements", len(out.Receipts))
	}
	ev.Str("outcome", outcome).Dur("took", time.Since(start)).Msg("scheduled run finished")
	return outcome
}

func classify(out *pipeline.Output, err error) string {
	switch {
	case err != nil:
		return "error"
	case out == nil || !out.Evaluation.Triggered:
		return "not_triggered"
	case len(out.Receipts) > 0:
		return "executed"
	default:
		return "triggered"
	}
}
