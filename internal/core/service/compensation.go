package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/basket-checkout/internal/logger"
	"github.com/rl1809/basket-checkout/internal/metrics"
	"github.com/rl1809/basket-checkout/internal/port"
)

const defaultReleaseTimeout = 5 * time.Second

// ReleaseTask is a reservation that could not be released inline.
type ReleaseTask struct {
	OrderID string
	SKU     string
	Qty     int
	Token   string
}

// Compensator retries failed releases on a pool of workers. Every retry names
// the same reservation token, so a release that landed but reported an error
// is not applied again.
type Compensator struct {
	inventory   port.InventoryRepository
	metrics     *metrics.CheckoutMetrics
	maxAttempts int
	backoff     time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan ReleaseTask
	wg     sync.WaitGroup
}

func NewCompensator(inventory port.InventoryRepository, queueSize, maxAttempts int, backoff time.Duration, m *metrics.CheckoutMetrics) *Compensator {
	if queueSize <= 0 {
		queueSize = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Compensator{
		inventory:   inventory,
		metrics:     m,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		queue:       make(chan ReleaseTask, queueSize),
	}
}

// Start launches workers that drain the queue until Close.
func (c *Compensator) Start(workers int) {
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.workerLoop(id)
		}(i)
	}
	logger.Infow("compensation_workers_started", "workers", workers)
}

// Enqueue hands task to the workers without blocking. It returns false when
// the queue is full or closed.
func (c *Compensator) Enqueue(task ReleaseTask) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.queue <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (c *Compensator) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Compensator) workerLoop(id int) {
	for task := range c.queue {
		c.process(id, task)
	}
}

func (c *Compensator) process(id int, task ReleaseTask) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
		stock, err := c.inventory.Release(ctx, task.SKU, task.Token)
		cancel()

		if err == nil {
			c.metrics.IncCompensation("released")
			logger.Infow("compensation_released",
				"worker", id, "order_id", task.OrderID, "sku", task.SKU, "qty", task.Qty, "stock", stock, "attempt", attempt)
			return
		}

		logger.Warnw("compensation_release_failed",
			"worker", id, "order_id", task.OrderID, "sku", task.SKU, "qty", task.Qty, "attempt", attempt, "error", err)
		if attempt < c.maxAttempts {
			time.Sleep(c.backoff * time.Duration(attempt))
		}
	}

	c.metrics.IncCompensation("dropped")
	logger.Errorw("CRITICAL compensation_abandoned",
		"worker", id, "order_id", task.OrderID, "sku", task.SKU, "qty", task.Qty, "attempts", c.maxAttempts)
}
