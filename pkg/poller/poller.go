// Package poller waits for an n8n execution to reach a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/n8n"
	"github.com/tcmartin/n8nstream/pkg/retry"
)

// DefaultInterval is the wait between two status fetches
const DefaultInterval = 500 * time.Millisecond

// ExecutionGetter is the part of the n8n client the poller needs
type ExecutionGetter interface {
	GetExecution(ctx context.Context, id string) (*models.N8nExecution, error)
}

// Poller polls the n8n executions API
type Poller struct {
	getter   ExecutionGetter
	interval time.Duration
	logger   logging.Logger

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Poller
func New(getter ExecutionGetter, interval time.Duration, logger logging.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		getter:   getter,
		interval: interval,
		logger:   logger,
		sleep:    retry.Sleep,
	}
}

// Poll fetches the execution every interval until it is finished or the
// remaining budget runs out. startTime is when the overall call began and is
// only used to report elapsed time. Fetch errors and not-yet-visible records
// are retried.
func (p *Poller) Poll(ctx context.Context, executionID string, remaining time.Duration, startTime time.Time) models.Result {
	if remaining <= 0 {
		return p.timeout(executionID, startTime)
	}

	ctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	logger := p.logger.WithFields(logging.F("execution_id", executionID))
	attempts := 0
	for {
		attempts++
		exec, err := p.getter.GetExecution(ctx, executionID)
		switch {
		case err == nil && n8n.IsFinished(exec):
			logger.Debug("Execution finished",
				logging.F("status", string(exec.Status)),
				logging.F("attempts", attempts))
			return n8n.Outcome(exec)
		case errors.Is(err, n8n.ErrNotFound):
			logger.Debug("Execution not visible yet", logging.F("attempts", attempts))
		case err != nil && ctx.Err() == nil:
			logger.Debug("Execution fetch failed", logging.F("attempts", attempts), logging.Err(err))
		}

		if ctx.Err() != nil {
			return p.stopped(ctx, executionID, startTime)
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return p.stopped(ctx, executionID, startTime)
		}
	}
}

func (p *Poller) stopped(ctx context.Context, executionID string, startTime time.Time) models.Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return p.timeout(executionID, startTime)
	}
	return models.FailureResult(fmt.Sprintf("Polling for execution %s was canceled", executionID), executionID)
}

func (p *Poller) timeout(executionID string, startTime time.Time) models.Result {
	elapsed := time.Since(startTime).Round(time.Millisecond)
	p.logger.Warn("Execution did not finish in time",
		logging.F("execution_id", executionID),
		logging.F("elapsed", elapsed.String()))
	return models.TimeoutResult(
		fmt.Sprintf("Timed out after %s waiting for execution %s to finish", elapsed, executionID),
		executionID,
	)
}
