package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apk-analysis/apk-risk-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// JobMessage 分析任务消息
type JobMessage struct {
	AnalysisID string `json:"analysis_id"`
	APKPath    string `json:"apk_path"`
	SHA256     string `json:"sha256,omitempty"`
}

// Publisher 发布原始消息体
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub    Publisher
	retry  *retry.Config
	logger *logrus.Logger
}

// NewProducer 创建生产者，发布失败按默认策略重试
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		retry:  retry.DefaultConfig(logger),
		logger: logger,
	}
}

// WithRetry 替换重试配置
func (p *Producer) WithRetry(cfg *retry.Config) *Producer {
	p.retry = cfg
	return p
}

// PublishJob 发布任务消息
func (p *Producer) PublishJob(ctx context.Context, msg JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.pub.Publish(ctx, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("analysis_id", msg.AnalysisID).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"analysis_id": msg.AnalysisID,
		"sha256":      msg.SHA256,
	}).Info("Job published to queue")
	return nil
}

// Dispatch 按 ID 和路径发布任务
func (p *Producer) Dispatch(ctx context.Context, analysisID, apkPath string) error {
	return p.PublishJob(ctx, JobMessage{AnalysisID: analysisID, APKPath: apkPath})
}
