package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// JobHandler 任务处理函数
type JobHandler func(ctx context.Context, msg JobMessage) error

// Source 消费端依赖的客户端能力
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	Reconnect(ctx context.Context) error
	ReconnectSignals() <-chan struct{}
	WatchConnection(ctx context.Context)
}

// Consumer 消息消费者
type Consumer struct {
	src     Source
	handler JobHandler
	workers int
	logger  *logrus.Logger

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	activeWorkers int32
}

// NewConsumer 创建消费者
func NewConsumer(src Source, handler JobHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		src:     src,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动消费并监听重连
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	c.src.WatchConnection(ctx)
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	msgs, err := c.src.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.processDelivery(ctx, id, d)
		}
	}
}

// processDelivery 处理单条消息：成功 Ack；可重试且首次投递时重新入队；其余丢弃
func (c *Consumer) processDelivery(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()

	var msg JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.AnalysisID == "" {
		c.logger.WithError(err).Error("Discarding malformed job message")
		d.Nack(false, false)
		return
	}

	fields := logrus.Fields{
		"worker_id":   workerID,
		"analysis_id": msg.AnalysisID,
		"redelivered": d.Redelivered,
	}

	if err := c.handler(ctx, msg); err != nil {
		requeue := retry.IsRetryable(err) && !d.Redelivered
		c.logger.WithError(err).WithFields(fields).WithField("requeue", requeue).Error("Job processing failed")
		d.Nack(false, requeue)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Failed to acknowledge message")
		return
	}

	fields["duration"] = time.Since(start).Seconds()
	c.logger.WithFields(fields).Debug("Job acknowledged")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.src.ReconnectSignals():
			c.logger.Warn("Connection lost, restarting consumer")
			c.stopWorkers()

			if err := c.src.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, waiting for next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待退出（最多 30 秒）
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for consumer workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 活跃 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
