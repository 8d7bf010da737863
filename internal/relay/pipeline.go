package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is a long-lived pipeline stage. Run blocks until ctx is canceled.
type Runner interface {
	Run(ctx context.Context)
}

// Pipeline supervises the crawl stages as a unit: they start together and
// shutdown waits for all of them to drain.
type Pipeline struct {
	stages []Runner
	logger *zap.Logger
}

// NewPipeline builds a Pipeline over the given stages.
func NewPipeline(logger *zap.Logger, stages ...Runner) *Pipeline {
	return &Pipeline{stages: stages, logger: logger}
}

// Run starts every stage and blocks until all of them return.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, stage := range p.stages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stage.Run(ctx)
		}()
	}
	p.logger.Info("pipeline started", zap.Int("stages", len(p.stages)))
	wg.Wait()
	p.logger.Info("pipeline stopped")
}
