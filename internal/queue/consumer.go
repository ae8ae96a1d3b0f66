package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// JobHandler 消息处理函数
//
// 返回 retry.Permanent 包装的错误时消息被丢弃，其他错误延迟后重新入队。
type JobHandler func(ctx context.Context, msg *JobMessage) error

// Source 消息来源，*RabbitMQ 实现该接口
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	NotifyClose() <-chan *amqp.Error
	Reconnect(ctx context.Context) error
}

// Consumer 消息消费者
type Consumer struct {
	src          Source
	handler      JobHandler
	logger       *logrus.Logger
	requeueDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer 创建消费者
func NewConsumer(src Source, handler JobHandler, logger *logrus.Logger) *Consumer {
	return &Consumer{
		src:          src,
		handler:      handler,
		logger:       logger,
		requeueDelay: 2 * time.Second,
	}
}

// Start 在后台运行消费循环
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := c.Run(runCtx); err != nil {
			c.logger.WithError(err).Error("Consumer stopped with error")
		}
	}(c.done)

	c.logger.Info("Consumer started successfully")
	return nil
}

// Run 消费直到 ctx 结束；连接断开时重连，重连失败返回错误
func (c *Consumer) Run(ctx context.Context) error {
	for {
		closed := c.src.NotifyClose()
		msgs, err := c.src.Consume()
		if err != nil {
			return fmt.Errorf("failed to start consuming: %w", err)
		}

		lost := c.drain(ctx, msgs, closed)
		if !lost {
			return nil
		}

		c.logger.Warn("Connection lost, attempting to reconnect")
		if err := c.src.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconnect: %w", err)
		}
	}
}

// drain 处理消息直到 ctx 结束（返回 false）或连接断开（返回 true）
func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp.Delivery, closed <-chan *amqp.Error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-closed:
			if err != nil {
				c.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			}
			return true
		case msg, ok := <-msgs:
			if !ok {
				return true
			}
			c.process(ctx, msg)
		}
	}
}

// process 处理单条消息并确认
func (c *Consumer) process(ctx context.Context, delivery amqp.Delivery) {
	var msg JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.SourcePath == "" {
		c.logger.WithError(err).Error("Failed to decode job message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"source":     msg.SourcePath,
	})

	if err := c.handler(ctx, &msg); err != nil {
		if !retry.IsRetryable(err) || ctx.Err() != nil {
			// 取消时重新入队，交给下次启动处理
			requeue := ctx.Err() != nil
			log.WithError(err).WithField("requeue", requeue).Warn("Job message rejected")
			delivery.Nack(false, requeue)
			return
		}

		log.WithError(err).Warn("Job message deferred")
		select {
		case <-ctx.Done():
		case <-time.After(c.requeueDelay):
		}
		delivery.Nack(false, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
		return
	}
	log.Info("Job message accepted")
}

// Stop 停止消费并等待循环退出
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	c.logger.Info("Stopping consumer")
	cancel()
	<-done
	c.logger.Info("Consumer stopped")
}
