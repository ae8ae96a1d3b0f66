package queue

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const defaultHeartbeat = 10 * time.Second

// RabbitMQ 净化请求队列客户端
type RabbitMQ struct {
	cfg           config.RabbitMQConfig
	logger        *logrus.Logger
	prefetchCount int
	retry         *retry.Config

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewRabbitMQ 连接 broker 并声明队列；prefetchCount 通常取 worker 队列容量
func NewRabbitMQ(ctx context.Context, cfg config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if cfg.Queue == "" {
		cfg.Queue = "apk_purify_jobs"
	}

	mq := &RabbitMQ{
		cfg:           cfg,
		logger:        logger,
		prefetchCount: prefetchCount,
		retry: &retry.Config{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Strategy:        retry.StrategyExponential,
			Logger:          logger,
		},
	}

	if err := retry.Do(ctx, mq.retry, "rabbitmq connect", func(ctx context.Context, attempt int) error {
		return mq.connect()
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// brokerURL 用户名、密码和 vhost 需要转义
func brokerURL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
	}
	if cfg.VHost != "" && cfg.VHost != "/" {
		u.Path = "/" + cfg.VHost
	} else {
		u.Path = "/"
	}
	return u.String()
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return retry.Permanent(fmt.Errorf("rabbitmq client closed"))
	}

	conn, err := amqp.DialConfig(brokerURL(mq.cfg), amqp.Config{
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

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(
		mq.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.cfg.Host,
		"port":           mq.cfg.Port,
		"queue":          mq.cfg.Queue,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// NotifyClose 当前连接或 channel 断开时收到一次通知
func (mq *RabbitMQ) NotifyClose() <-chan *amqp.Error {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	out := make(chan *amqp.Error, 1)
	if mq.conn == nil || mq.channel == nil {
		out <- amqp.ErrClosed
		return out
	}

	connNotify := mq.conn.NotifyClose(make(chan *amqp.Error, 1))
	chanNotify := mq.channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-connNotify:
			out <- err
		case err := <-chanNotify:
			out <- err
		}
	}()
	return out
}

// Reconnect 关闭旧连接后按指数退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	return retry.Do(ctx, mq.retry, "rabbitmq reconnect", func(ctx context.Context, attempt int) error {
		mq.logger.WithField("attempt", attempt).Info("Attempting to reconnect to RabbitMQ")
		return mq.connect()
	})
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

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.cfg.Queue, // routing key
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
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	msgs, err := ch.Consume(
		mq.cfg.Queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("channel is nil")
	}

	q, err := ch.QueueInspect(mq.cfg.Queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
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
