package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/logger"
)

// Producer Kafka生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

var globalProducer *Producer

// NewProducer 连接 broker 创建同步生产者
func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialised", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewProducerWithClient(producer, topic), nil
}

// NewProducerWithClient 使用已有的 sarama 生产者
func NewProducerWithClient(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: producer, topic: topic}
}

// InitProducer 初始化全局生产者
func InitProducer(brokers []string, topic string) error {
	producer, err := NewProducer(brokers, topic)
	if err != nil {
		return err
	}
	globalProducer = producer
	return nil
}

// GetProducer 获取全局生产者实例
func GetProducer() *Producer {
	return globalProducer
}

// PublishDocumentIngested 发布文档入库事件，以 file_id 作为分区键
func (p *Producer) PublishDocumentIngested(ctx context.Context, event DocumentIngestedEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer not initialised")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.FileID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(EventDocumentIngested)},
			{Key: []byte("status"), Value: []byte(event.Status)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("Failed to publish kafka event", zap.String("file_id", event.FileID), zap.Error(err))
		return fmt.Errorf("publish event: %w", err)
	}

	logger.Debug("Kafka event published",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("file_id", event.FileID))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
