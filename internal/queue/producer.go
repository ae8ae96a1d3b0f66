package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// JobMessage 队列中的净化请求
type JobMessage struct {
	RequestID  string `json:"request_id,omitempty"`
	SourcePath string `json:"source_path"`
	Operation  string `json:"operation,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		logger: logger,
	}
}

// PublishJob 发布净化请求
func (p *Producer) PublishJob(ctx context.Context, msg *JobMessage) error {
	if msg.SourcePath == "" {
		return fmt.Errorf("source path is required")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.pub.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("source", msg.SourcePath).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"source":     msg.SourcePath,
		"operation":  msg.Operation,
	}).Info("Job published to queue")

	return nil
}
