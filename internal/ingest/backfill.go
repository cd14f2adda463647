package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// BackfillReport 一次回填的统计
type BackfillReport struct {
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	LastBlock  uint64 `json:"lastBlock"`
	Events     int    `json:"events"`
	Applied    int    `json:"applied"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

func (r *BackfillReport) add(o Outcome) {
	r.Events++
	switch o {
	case OutcomeApplied:
		r.Applied++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Backfill 按区块分段查询 [from, to] 内全部类型的日志，合并排序后依次处理。
// 单条事件失败不会中止回填；查询在重试耗尽后返回错误，报告中的 LastBlock 为已完成的最后区块
func (e *Engine) Backfill(ctx context.Context, from, to uint64) (*BackfillReport, error) {
	if from > to {
		return nil, fmt.Errorf("回填区间无效: %d > %d", from, to)
	}
	report := &BackfillReport{From: from, To: to}
	e.logger.Info("开始回填", zap.Uint64("from", from), zap.Uint64("to", to))

	for start := from; start <= to; {
		end := start + e.chunk - 1
		if end > to || end < start {
			end = to
		}

		events, err := e.fetchRange(ctx, start, end)
		if err != nil {
			e.logger.Error("回填查询失败",
				zap.Uint64("from", start), zap.Uint64("to", end), zap.Error(err))
			return report, fmt.Errorf("查询区块 %d-%d 失败: %w", start, end, err)
		}
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.add(e.Handle(ctx, ev))
		}
		report.LastBlock = end
		e.logger.Debug("回填分段完成",
			zap.Uint64("from", start), zap.Uint64("to", end), zap.Int("events", len(events)))

		if end == to {
			break
		}
		start = end + 1
	}

	e.logger.Info("回填完成",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("events", report.Events),
		zap.Int("applied", report.Applied),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

// fetchRange 并发查询各事件类型，合并后按账本顺序排列
func (e *Engine) fetchRange(ctx context.Context, from, to uint64) ([]*model.LedgerEvent, error) {
	var (
		mu  sync.Mutex
		all []*model.LedgerEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range model.AllKinds {
		kind := kind
		g.Go(func() error {
			q := ledger.LogQuery{Kind: kind, FromBlock: from, ToBlock: &to}
			var got []*model.LedgerEvent
			op := func() error {
				var err error
				got, err = e.ledger.QueryLog(gctx, q)
				if err != nil && !ledger.IsUnavailable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			notify := func(err error, wait time.Duration) {
				e.logger.Warn("查询日志失败，稍后重试",
					zap.String("kind", string(kind)), zap.Duration("wait", wait), zap.Error(err))
			}
			if err := backoff.RetryNotify(op, backoff.WithContext(e.retry(), gctx), notify); err != nil {
				return err
			}
			mu.Lock()
			all = append(all, got...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	model.SortLedgerEvents(all)
	return all, nil
}
