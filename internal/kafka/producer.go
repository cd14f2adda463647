package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReplayProducer 把处理失败的账本事件写入重放主题
type ReplayProducer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewReplayProducer(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) (*ReplayProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}
	logger = logger.Named("replay-producer")

	partitions, err := topicPartitions(ctx, cfg.Brokers[0], cfg.ReplayTopic)
	if err != nil {
		return nil, err
	}
	logger.Info("检测到重放主题分区", zap.String("topic", cfg.ReplayTopic), zap.Int("partitions", len(partitions)))

	// 按活动编号做Hash分区，同一活动的重放消息保持顺序
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ReplayTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &ReplayProducer{writer: writer, topic: cfg.ReplayTopic, logger: logger}, nil
}

// topicPartitions 通过分区0的leader读取主题的全部分区编号
func topicPartitions(ctx context.Context, broker, topic string) ([]int, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", broker, topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}
	var ids []int
	for _, p := range parts {
		if p.Topic == topic {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func encodeReplay(msg *model.ReplayMessage) (kafka.Message, error) {
	if msg.Event == nil {
		return kafka.Message{}, fmt.Errorf("重放消息缺少事件")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化重放消息失败: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatUint(msg.Event.EventID, 10)),
		Value: data,
		Time:  msg.FailedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Event.Kind)},
			{Key: "tx", Value: []byte(msg.Event.TxHash)},
		},
	}, nil
}

func decodeReplay(m kafka.Message) (*model.ReplayMessage, error) {
	var msg model.ReplayMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return nil, fmt.Errorf("解析重放消息失败: %w", err)
	}
	if msg.Event == nil {
		return nil, fmt.Errorf("重放消息缺少事件")
	}
	if msg.FailedAt.IsZero() {
		msg.FailedAt = m.Time
	}
	return &msg, nil
}

// Publish 写入一条重放消息
func (p *ReplayProducer) Publish(ctx context.Context, msg *model.ReplayMessage) error {
	m, err := encodeReplay(msg)
	if err != nil {
		return err
	}
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	if err := p.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("发送重放消息失败: %w", err)
	}
	p.logger.Debug("已发送重放消息",
		zap.String("tx", msg.Event.TxHash), zap.Int("attempts", msg.Attempts))
	return nil
}

func (p *ReplayProducer) Close() error {
	return p.writer.Close()
}
