package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// Run 订阅全部事件类型并交给按活动分区的工作协程处理，阻塞直到 ctx 结束。
// 同一活动的事件落在同一分区，保持账本顺序；不同活动之间并行
func (e *Engine) Run(ctx context.Context) error {
	partitions := make([]chan *model.LedgerEvent, e.workers)
	for i := range partitions {
		partitions[i] = make(chan *model.LedgerEvent, 256)
	}

	// 退出时把已收到的事件处理完
	drainCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, ch := range partitions {
		wg.Add(1)
		go func(id int, ch <-chan *model.LedgerEvent) {
			defer wg.Done()
			for ev := range ch {
				e.Handle(drainCtx, ev)
			}
			e.logger.Debug("工作协程退出", zap.Int("partition", id))
		}(i, ch)
	}

	var lastBlock atomic.Uint64
	handler := func(ev *model.LedgerEvent) {
		if ev.BlockNumber > lastBlock.Load() {
			lastBlock.Store(ev.BlockNumber)
		}
		partitions[ev.EventID%uint64(len(partitions))] <- ev
	}
	onErr := func(err error) {
		e.metrics.LedgerUnavailable()
		e.logger.Warn("账本订阅断开，正在重连，期间的事件需回填补齐",
			zap.Uint64("lastBlock", lastBlock.Load()), zap.Error(err))
	}

	e.logger.Info("开始实时订阅", zap.Int("workers", len(partitions)))
	err := e.ledger.Subscribe(ctx, model.AllKinds, handler, onErr)

	for _, ch := range partitions {
		close(ch)
	}
	wg.Wait()
	e.logger.Info("实时订阅已停止", zap.Uint64("lastBlock", lastBlock.Load()))

	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
