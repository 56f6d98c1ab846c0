package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 当前没有可用 channel
var ErrNotConnected = errors.New("rabbitmq channel is not available")

const (
	defaultHeartbeat = 10 * time.Second
	maxReconnects    = 10
)

// RabbitMQ 带自动重连的 AMQP 客户端，只操作一个持久化队列
type RabbitMQ struct {
	cfg       config.RabbitMQConfig
	queueName string
	prefetch  int
	logger    *logrus.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
}

// NewRabbitMQ 连接并声明队列
func NewRabbitMQ(cfg config.RabbitMQConfig, logger *logrus.Logger) (*RabbitMQ, error) {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	mq := &RabbitMQ{
		cfg:       cfg,
		queueName: cfg.Queue,
		prefetch:  prefetch,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// connect 建立连接、channel 并声明队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.cfg.URL(), amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// QoS 与消费并发一致
	if err := ch.Qos(mq.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// 持久化队列
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"port":     mq.cfg.Port,
		"queue":    mq.queueName,
		"prefetch": mq.prefetch,
	}).Info("Connected to RabbitMQ")

	return nil
}

// WatchConnection 监听连接或 channel 关闭，发出重连信号，直到 ctx 结束或客户端关闭
func (mq *RabbitMQ) WatchConnection(ctx context.Context) {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var amqpErr *amqp.Error
			select {
			case <-ctx.Done():
				return
			case amqpErr = <-connNotify:
			case amqpErr = <-channelNotify:
			}

			if mq.isClosed() {
				return
			}
			if amqpErr != nil {
				mq.logger.WithError(amqpErr).Error("RabbitMQ connection lost")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			// 等待消费者处理完重连后再继续监听新的通知通道
			select {
			case mq.reconnect <- struct{}{}:
			default:
			}
			select {
			case <-ctx.Done():
				return
			case <-mq.waitReconnected(ctx):
			}
		}
	}()
}

// waitReconnected 新连接建立后关闭返回的通道
func (mq *RabbitMQ) waitReconnected(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			if mq.IsConnected() || mq.isClosed() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

// ReconnectSignals 连接丢失信号
func (mq *RabbitMQ) ReconnectSignals() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 按线性退避重连，最多 maxReconnects 次
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		if mq.isClosed() {
			return fmt.Errorf("client closed")
		}

		err := mq.connect()
		if err == nil {
			mq.logger.WithField("attempt", attempt).Info("Reconnected to RabbitMQ")
			return nil
		}

		wait := retry.Backoff(retry.StrategyLinear, time.Second, 10*time.Second, attempt)
		mq.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     maxReconnects,
			"wait":    wait,
		}).Warn("Reconnect attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", maxReconnects)
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil || mq.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return mq.channel, nil
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx,
		"",           // exchange
		mq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	q, err := ch.QueueDeclarePassive(mq.queueName, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 关闭连接，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
