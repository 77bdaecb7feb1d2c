package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Handler processes one due message. Returning an error requeues nothing;
// at-least-once delivery comes from the scheduler re-arming on activity.
type Handler func(ctx context.Context, msg Message) error

// Consumer polls the delay queue and dispatches due messages.
type Consumer struct {
	queue    *DelayQueue
	handler  Handler
	interval time.Duration
	batch    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewConsumer builds a consumer with a 1 s base poll interval.
func NewConsumer(queue *DelayQueue, handler Handler) *Consumer {
	return &Consumer{
		queue:    queue,
		handler:  handler,
		interval: time.Second,
		batch:    32,
		stopCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
}

// Start begins the polling loop in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the consumer to stop and waits for it to finish.
// Safe to call multiple times.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		// Jitter spreads polling across replicas.
		jitter := time.Duration(rand.Int64N(int64(c.interval / 2)))
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(c.interval + jitter):
		}
		c.drain(ctx)
	}
}

func (c *Consumer) drain(ctx context.Context) {
	msgs, err := c.queue.ClaimDue(ctx, time.Now(), c.batch)
	if err != nil {
		c.logger.Warn("delay queue poll failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Warn("delay queue handler failed",
				"sandbox_id", msg.SandboxID, "action", msg.Action, "error", err)
		}
	}
}
