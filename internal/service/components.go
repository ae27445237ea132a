package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/scheduler"
	"github.com/xkilldash9x/pacer/internal/store"
)

// Components holds everything needed to pace one account. It centralizes the lifecycle
// of the store and the report consumer.
type Components struct {
	Store     store.Repository
	Scheduler *scheduler.Scheduler
	Metrics   *observability.Metrics
	// Restored reports whether persisted state was found for the account.
	Restored bool

	reports    chan schemas.Report
	consumerWG *sync.WaitGroup
	closeStore func()
	logger     *zap.Logger

	shutdownOnce sync.Once
}

// reportFunc hands a report to the consumer without blocking the dispatch loop. A full
// buffer drops the report with a warning.
func (c *Components) reportFunc(r schemas.Report) {
	select {
	case c.reports <- r:
	default:
		c.logger.Warn("Report buffer full, dropping report.", zap.String("request_id", r.RequestID))
	}
}

// Shutdown releases the components in order: the report consumer drains first, then the
// store closes. The scheduler must have stopped before this is called. It is safe to call
// more than once.
func (c *Components) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Debug("Beginning components shutdown sequence.")

		if c.reports != nil {
			close(c.reports)
		}
		if c.consumerWG != nil {
			c.consumerWG.Wait()
			c.logger.Debug("Report consumer finished processing.")
		}
		if c.closeStore != nil {
			c.closeStore()
			c.logger.Debug("State store closed.")
		}
		c.logger.Info("All components shut down successfully.")
	})
}
