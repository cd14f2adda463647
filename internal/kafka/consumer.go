package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/model"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReplayHandler 处理一条重放消息
type ReplayHandler func(ctx context.Context, msg *model.ReplayMessage) error

// ReplayConsumer 消费重放主题，每条消息在失败时间之后延迟一段时间再处理
type ReplayConsumer struct {
	readers []messageReader
	delay   time.Duration
	commit  bool
	logger  *zap.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewReplayConsumer 配置了 group_id 时使用消费者组提交偏移量，否则按分区各起一个 reader
func NewReplayConsumer(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) (*ReplayConsumer, error) {
	logger = logger.Named("replay-consumer")
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var readers []messageReader
	if cfg.GroupID != "" {
		for i := 0; i < workers; i++ {
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    cfg.ReplayTopic,
				GroupID:  cfg.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6,
			}))
		}
		logger.Info("使用消费者组消费重放主题",
			zap.String("group", cfg.GroupID), zap.Int("workers", workers))
	} else {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("未配置Kafka broker")
		}
		partitions, err := topicPartitions(ctx, cfg.Brokers[0], cfg.ReplayTopic)
		if err != nil {
			return nil, err
		}
		for _, p := range partitions {
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:   cfg.Brokers,
				Topic:     cfg.ReplayTopic,
				Partition: p,
				MinBytes:  1,
				MaxBytes:  10e6,
			}))
		}
		logger.Info("按分区消费重放主题", zap.Int("partitions", len(partitions)))
	}

	return newReplayConsumer(readers, cfg.ReplayDelay, cfg.GroupID != "", logger), nil
}

func newReplayConsumer(readers []messageReader, delay time.Duration, commit bool, logger *zap.Logger) *ReplayConsumer {
	return &ReplayConsumer{readers: readers, delay: delay, commit: commit, logger: logger}
}

// Start 为每个 reader 启动一个消费协程
func (c *ReplayConsumer) Start(ctx context.Context, handler ReplayHandler) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i, r := range c.readers {
		c.wg.Add(1)
		go func(id int, r messageReader) {
			defer c.wg.Done()
			c.consume(ctx, id, r, handler)
		}(i, r)
	}
	c.logger.Info("重放消费者已启动", zap.Int("readers", len(c.readers)))
}

func (c *ReplayConsumer) consume(ctx context.Context, id int, r messageReader, handler ReplayHandler) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("读取重放消息失败", zap.Int("reader", id), zap.Error(err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		msg, err := decodeReplay(m)
		if err != nil {
			c.logger.Error("丢弃无法解析的重放消息",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		} else {
			if !sleep(ctx, c.wait(msg)) {
				return
			}
			if err := handler(ctx, msg); err != nil {
				c.logger.Error("处理重放消息失败",
					zap.String("tx", msg.Event.TxHash), zap.Int("attempts", msg.Attempts), zap.Error(err))
			}
		}

		if !c.commit {
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("提交偏移量失败", zap.Int("reader", id), zap.Error(err))
		}
	}
}

// wait 重放延迟随尝试次数线性增长
func (c *ReplayConsumer) wait(msg *model.ReplayMessage) time.Duration {
	attempts := msg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	due := msg.FailedAt.Add(time.Duration(attempts) * c.delay)
	return time.Until(due)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop 停止消费并关闭全部 reader
func (c *ReplayConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("重放消费者已停止")
	return errors.Join(errs...)
}
