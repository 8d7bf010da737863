package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type blockingStage struct {
	started atomic.Int32
}

func (s *blockingStage) Run(ctx context.Context) {
	s.started.Add(1)
	<-ctx.Done()
}

func TestPipelineRunsAllStagesUntilCancel(t *testing.T) {
	t.Parallel()

	stages := []*blockingStage{{}, {}, {}}
	p := NewPipeline(zaptest.NewLogger(t), stages[0], stages[1], stages[2])

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, s := range stages {
			if s.started.Load() == 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("pipeline returned while stages were still running")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
}

func TestPipelineNoStages(t *testing.T) {
	t.Parallel()

	p := NewPipeline(zaptest.NewLogger(t))
	p.Run(context.Background())
}
