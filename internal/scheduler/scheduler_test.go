package scheduler_test

import (
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/orchestrator"
	"HedgeLedger/internal/pipeline"
	"HedgeLedger/internal/scheduler"
	"HedgeLedger/internal/trigger"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu        sync.Mutex
	inputs    []pipeline.Input
	deadlines []bool
	out       *pipeline.Output
	err       error
}

func (f *fakeRunner) Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	f.inputs = append(f.inputs, in)
	f.deadlines = append(f.deadlines, hasDeadline)
	return f.out, f.err
}

func (f *fakeRunner) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func snapshot() pipeline.Input {
	return pipeline.Input{
		EntryPrice:       decimal.NewFromInt(70000),
		ThresholdPercent: decimal.NewFromInt(5),
		Holding:          decimal.NewFromInt(1),
		HedgePercent:     decimal.NewFromInt(30),
		Targets:          []decision.Asset{decision.USDT},
	}
}

func TestNew_RejectsNonPositiveInterval(t *testing.T) {
	_, err := scheduler.New(&fakeRunner{}, snapshot(), 0, 0, nil, zerolog.Nop())
	require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestRun_ReusesSnapshotEveryTick(t *testing.T) {
	runner := &fakeRunner{out: &pipeline.Output{}}
	in := snapshot()
	s, err := scheduler.New(runner, in, 10*time.Millisecond, 0, nil, zerolog.Nop())
	require.NoError(t, err)

	// Mutating the caller's copy after construction must not leak in.
	in.Targets[0] = decision.DAI

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runs() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for i, got := range runner.inputs {
		require.Equal(t, []decision.Asset{decision.USDT}, got.Targets, "run %d", i)
		require.True(t, got.EntryPrice.Equal(decimal.NewFromInt(70000)))
		require.True(t, runner.deadlines[i], "run %d has no deadline", i)
	}
}

func TestRunOnce_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		out  *pipeline.Output
		err  error
		want string
	}{
		{"error", nil, errors.New("boom"), "error"},
		{"not triggered", &pipeline.Output{}, nil, "not_triggered"},
		{"triggered only", &pipeline.Output{Evaluation: trigger.Evaluation{Triggered: true}}, nil, "triggered"},
		{"executed", &pipeline.Output{
			Evaluation: trigger.Evaluation{Triggered: true},
			Receipts:   []*orchestrator.Receipt{{State: orchestrator.StateConfirmed}},
		}, nil, "executed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			s, err := scheduler.New(&fakeRunner{out: tt.out, err: tt.err}, snapshot(), time.Minute, time.Second, metrics, zerolog.Nop())
			require.NoError(t, err)

			require.Equal(t, tt.want, s.RunOnce(context.Background()))
			require.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRuns.WithLabelValues(tt.want)))
			require.Greater(t, testutil.ToFloat64(metrics.SchedulerLastRun), 0.0)
		})
	}
}
