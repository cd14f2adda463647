package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/metrics"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
)

var (
	// ErrUnknownReference 事件引用的票种或门票尚未投影，留给对账修复
	ErrUnknownReference = errors.New("引用的实体不存在")
	// ErrProjectionWrite 投影写入失败，可重放
	ErrProjectionWrite = errors.New("投影写入失败")
)

// Outcome 单条事件的处理结果
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// SupplyInvalidator 购买落库后失效供应量缓存
type SupplyInvalidator interface {
	Invalidate(ctx context.Context, tokenID uint64) error
}

// Replayer 将可恢复的失败事件投递到重放主题
type Replayer interface {
	Publish(ctx context.Context, msg *model.ReplayMessage) error
}

type handlerFunc func(ctx context.Context, ev *model.LedgerEvent) (Outcome, error)

// Engine 摄取引擎，实时订阅与区间回填共用同一组幂等处理器
type Engine struct {
	store       repository.Store
	ledger      ledger.Reader
	logger      *zap.Logger
	metrics     *metrics.Metrics
	cache       SupplyInvalidator
	replay      Replayer
	maxAttempts int
	workers     int
	chunk       uint64
	retry       func() backoff.BackOff
	handlers    map[model.EventKind]handlerFunc
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger.Named("ingest") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithSupplyCache(c SupplyInvalidator) Option {
	return func(e *Engine) { e.cache = c }
}

// WithReplayer 开启失败重放，超过 maxAttempts 次后放弃
func WithReplayer(r Replayer, maxAttempts int) Option {
	return func(e *Engine) {
		e.replay = r
		e.maxAttempts = maxAttempts
	}
}

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithBackfillChunk(blocks uint64) Option {
	return func(e *Engine) {
		if blocks > 0 {
			e.chunk = blocks
		}
	}
}

// WithBackfillRetry 回填查询失败时的重试策略
func WithBackfillRetry(f func() backoff.BackOff) Option {
	return func(e *Engine) { e.retry = f }
}

func NewEngine(store repository.Store, reader ledger.Reader, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ledger:  reader,
		logger:  zap.NewNop(),
		workers: 8,
		chunk:   5000,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[model.EventKind]handlerFunc{
		model.KindEventCreated:      e.onEventCreated,
		model.KindTicketTypeCreated: e.onTicketTypeCreated,
		model.KindTicketPurchased:   e.onTicketPurchased,
		model.KindTicketCheckedIn:   e.onTicketCheckedIn,
	}
	return e
}

// Apply 执行单条事件的处理器并返回类型化结果，不记录日志
func (e *Engine) Apply(ctx context.Context, ev *model.LedgerEvent) (Outcome, error) {
	h, ok := e.handlers[ev.Kind]
	if !ok {
		return OutcomeSkipped, fmt.Errorf("不支持的事件类型: %s", ev.Kind)
	}
	return h(ctx, ev)
}

// Handle 隔离单条事件的失败：记录日志与指标，可恢复的失败投递到重放主题
func (e *Engine) Handle(ctx context.Context, ev *model.LedgerEvent) Outcome {
	return e.process(ctx, ev, 0)
}

// HandleReplay 处理重放主题中的消息
func (e *Engine) HandleReplay(ctx context.Context, msg *model.ReplayMessage) error {
	if msg.Event == nil {
		return errors.New("重放消息缺少事件")
	}
	e.process(ctx, msg.Event, msg.Attempts)
	return nil
}

func (e *Engine) process(ctx context.Context, ev *model.LedgerEvent, attempts int) Outcome {
	start := time.Now()
	outcome, err := e.Apply(ctx, ev)
	if err != nil && outcome != OutcomeSkipped {
		outcome = OutcomeFailed
	}
	e.metrics.ObserveEvent(string(ev.Kind), string(outcome), time.Since(start))

	if err == nil {
		if outcome == OutcomeDuplicate {
			e.logger.Debug("重复事件，跳过", eventFields(ev)...)
		}
		return outcome
	}

	fields := append(eventFields(ev), zap.Error(err))
	switch {
	case errors.Is(err, ErrUnknownReference):
		e.logger.Warn("事件引用的实体尚未投影，等待对账修复", fields...)
	case errors.Is(err, repository.ErrSupplyExceeded):
		e.logger.Warn("购买会超过最大供应量，未写入，等待对账修复", fields...)
	case ledger.IsUnavailable(err), errors.Is(err, ErrProjectionWrite):
		e.logger.Error("事件处理失败，可重放", fields...)
		e.publishReplay(ctx, ev, attempts+1, err)
	default:
		e.logger.Error("事件处理失败", fields...)
	}
	return outcome
}

func (e *Engine) publishReplay(ctx context.Context, ev *model.LedgerEvent, attempts int, cause error) {
	if e.replay == nil {
		return
	}
	if e.maxAttempts > 0 && attempts > e.maxAttempts {
		e.logger.Error("重放次数超限，放弃，等待回填或对账修复",
			append(eventFields(ev), zap.Int("attempts", attempts))...)
		return
	}
	err := e.replay.Publish(ctx, &model.ReplayMessage{
		Event:    ev,
		Attempts: attempts,
		Reason:   cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	e.metrics.ReplayPublished(err)
	if err != nil {
		e.logger.Error("投递重放消息失败", append(eventFields(ev), zap.Error(err))...)
	}
}

func eventFields(ev *model.LedgerEvent) []zap.Field {
	return []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("eventId", ev.EventID),
		zap.Uint64("tokenId", ev.TokenID),
		zap.String("tx", ev.TxHash),
		zap.Uint64("block", ev.BlockNumber),
		zap.Uint("logIndex", ev.LogIndex),
	}
}

func projectionErr(err error) error {
	return fmt.Errorf("%w: %w", ErrProjectionWrite, err)
}
