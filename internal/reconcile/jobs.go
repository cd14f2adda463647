package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/metrics"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
)

const (
	JobSupply     = "supply"
	JobAggregates = "aggregates"
	JobProjection = "projection"
)

// SupplyWriter 对账后回写供应量缓存
type SupplyWriter interface {
	SetSupply(ctx context.Context, tokenID, supply uint64, observedAt time.Time) (bool, error)
}

// Report 一次对账的统计，单个实体失败不会中止整个任务
type Report struct {
	Job      string        `json:"job"`
	Checked  int           `json:"checked"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Jobs 以账本为准重算投影中的派生字段，所有写入都是绝对值覆盖
type Jobs struct {
	store      repository.Store
	ledger     ledger.Reader
	cache      SupplyWriter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	startBlock uint64
	chunk      uint64
	timeout    time.Duration
	now        func() time.Time
}

type Option func(*Jobs)

func WithLogger(logger *zap.Logger) Option {
	return func(j *Jobs) { j.logger = logger.Named("reconcile") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Jobs) { j.metrics = m }
}

func WithSupplyCache(c SupplyWriter) Option {
	return func(j *Jobs) { j.cache = c }
}

// WithStartBlock 合约部署区块，日志查询从这里开始
func WithStartBlock(block uint64) Option {
	return func(j *Jobs) { j.startBlock = block }
}

// WithLogChunk 日志查询按该区块数分段
func WithLogChunk(blocks uint64) Option {
	return func(j *Jobs) {
		if blocks > 0 {
			j.chunk = blocks
		}
	}
}

// WithLedgerTimeout 单次账本读取的超时
func WithLedgerTimeout(d time.Duration) Option {
	return func(j *Jobs) {
		if d > 0 {
			j.timeout = d
		}
	}
}

func NewJobs(store repository.Store, reader ledger.Reader, opts ...Option) *Jobs {
	j := &Jobs{
		store:   store,
		ledger:  reader,
		logger:  zap.NewNop(),
		chunk:   5000,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Jobs) finish(r *Report, start time.Time) *Report {
	r.Duration = time.Since(start)
	j.metrics.ReconcileDone(r.Job, r.Duration)
	j.logger.Info("对账完成",
		zap.String("job", r.Job),
		zap.Int("checked", r.Checked),
		zap.Int("updated", r.Updated),
		zap.Int("failed", r.Failed),
		zap.Duration("duration", r.Duration))
	return r
}

func (j *Jobs) mark(r *Report, result string) {
	switch result {
	case "updated":
		r.Updated++
	case "failed":
		r.Failed++
	}
	j.metrics.ReconcileEntity(r.Job, result)
}

func clamp(v, limit uint64) uint64 {
	if v > limit {
		return limit
	}
	return v
}

// ReconcileSupply 以 TicketPurchased 日志的数量之和覆盖每个票种的 currentSupply
func (j *Jobs) ReconcileSupply(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Job: JobSupply}

	types, err := j.store.ListTicketTypes(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("读取票种失败: %w", err)
	}

	head, err := j.latestBlock(ctx)
	if err != nil {
		j.logger.Warn("读取链头失败，等待下次对账", zap.Error(err))
		for range types {
			report.Checked++
			j.mark(report, "failed")
		}
		return j.finish(report, start), nil
	}

	for _, tt := range types {
		report.Checked++
		observedAt := j.now()
		supply, err := j.supplyFromLog(ctx, tt.TokenID, head)
		if err != nil {
			j.logger.Warn("统计购买日志失败，等待下次对账",
				zap.Uint64("tokenId", tt.TokenID), zap.Error(err))
			j.mark(report, "failed")
			continue
		}
		result, err := j.setSupply(ctx, tt, supply, observedAt)
		if err != nil {
			j.logger.Error("覆盖供应量失败", zap.Uint64("tokenId", tt.TokenID), zap.Error(err))
		}
		j.mark(report, result)
	}
	return j.finish(report, start), nil
}

func (j *Jobs) latestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	return j.ledger.LatestBlock(ctx)
}

// supplyFromLog 从 startBlock 到 head 分段累加购买数量，每段单独计时
func (j *Jobs) supplyFromLog(ctx context.Context, tokenID, head uint64) (uint64, error) {
	var total uint64
	for from := j.startBlock; from <= head; {
		to := from + j.chunk - 1
		if to > head || to < from {
			to = head
		}
		n, err := j.purchasedIn(ctx, tokenID, from, to)
		if err != nil {
			return 0, fmt.Errorf("区块 %d-%d: %w", from, to, err)
		}
		total += n
		if to == head {
			break
		}
		from = to + 1
	}
	return total, nil
}

func (j *Jobs) purchasedIn(ctx context.Context, tokenID, from, to uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	events, err := j.ledger.QueryLog(ctx, ledger.LogQuery{
		Kind:      model.KindTicketPurchased,
		FromBlock: from,
		ToBlock:   &to,
		TokenID:   &tokenID,
	})
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, ev := range events {
		n += ev.Amount
	}
	return n, nil
}

// setSupply 截断到 maxSupply 后覆盖写入，并同步供应量缓存。
// observedAt 取读数开始前的时间，读数期间发生的购买会让缓存拒绝这次写入
func (j *Jobs) setSupply(ctx context.Context, tt *model.TicketType, supply uint64, observedAt time.Time) (string, error) {
	corrected := clamp(supply, tt.MaxSupply)
	if corrected != supply {
		j.logger.Warn("供应量超过上限，已截断",
			zap.Uint64("tokenId", tt.TokenID),
			zap.Uint64("computed", supply),
			zap.Uint64("maxSupply", tt.MaxSupply))
	}
	if err := j.store.SetTicketTypeSupply(ctx, tt.TokenID, corrected); err != nil {
		return "failed", err
	}
	if j.cache != nil {
		if _, err := j.cache.SetSupply(ctx, tt.TokenID, corrected, observedAt); err != nil {
			j.logger.Warn("回写供应量缓存失败", zap.Uint64("tokenId", tt.TokenID), zap.Error(err))
		}
	}
	if corrected == tt.CurrentSupply {
		return "unchanged", nil
	}
	j.logger.Info("供应量已修正",
		zap.Uint64("tokenId", tt.TokenID),
		zap.Uint64("from", tt.CurrentSupply),
		zap.Uint64("to", corrected))
	return "updated", nil
}

// ReconcileAggregates 用各票种的 currentSupply 重算活动的售出总数与收入
func (j *Jobs) ReconcileAggregates(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Job: JobAggregates}

	events, err := j.allEvents(ctx)
	if err != nil {
		return report, err
	}
	for _, ev := range events {
		report.Checked++
		result, err := j.reconcileEvent(ctx, ev)
		if err != nil {
			j.logger.Error("重算活动汇总失败", zap.Uint64("eventId", ev.EventID), zap.Error(err))
		}
		j.mark(report, result)
	}
	return j.finish(report, start), nil
}

func (j *Jobs) allEvents(ctx context.Context) ([]*model.Event, error) {
	var out []*model.Event
	for page := 1; ; page++ {
		batch, total, err := j.store.ListEvents(ctx, repository.EventFilter{
			Page: repository.Page{Page: page, Limit: repository.MaxPageSize},
		})
		if err != nil {
			return nil, fmt.Errorf("读取活动失败: %w", err)
		}
		out = append(out, batch...)
		if len(batch) == 0 || int64(len(out)) >= total {
			return out, nil
		}
	}
}

func (j *Jobs) reconcileEvent(ctx context.Context, ev *model.Event) (string, error) {
	types, err := j.store.ListTicketTypes(ctx, &ev.EventID)
	if err != nil {
		return "failed", err
	}

	var sold uint64
	revenue := new(big.Int)
	for _, tt := range types {
		p, ok := new(big.Int).SetString(tt.Price, 10)
		if !ok {
			return "failed", fmt.Errorf("票种 %d 价格格式错误: %q", tt.TokenID, tt.Price)
		}
		sold += tt.CurrentSupply
		revenue.Add(revenue, p.Mul(p, new(big.Int).SetUint64(tt.CurrentSupply)))
	}

	j.checkMissingTypes(ctx, ev.EventID, types)

	if err := j.store.SetEventAggregates(ctx, ev.EventID, sold, revenue.String()); err != nil {
		return "failed", err
	}
	if sold == ev.TotalTicketsSold && revenue.String() == ev.Revenue {
		return "unchanged", nil
	}
	j.logger.Info("活动汇总已修正",
		zap.Uint64("eventId", ev.EventID),
		zap.Uint64("totalTicketsSold", sold),
		zap.String("revenue", revenue.String()))
	return "updated", nil
}

// checkMissingTypes 对比账本上活动的票种列表，投影缺失的票种只告警，由回填补齐
func (j *Jobs) checkMissingTypes(ctx context.Context, eventID uint64, types []*model.TicketType) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	ids, err := j.ledger.GetEventTicketTypes(ctx, eventID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			j.logger.Warn("读取账本票种列表失败", zap.Uint64("eventId", eventID), zap.Error(err))
		}
		return
	}
	known := make(map[uint64]bool, len(types))
	for _, tt := range types {
		known[tt.TokenID] = true
	}
	for _, id := range ids {
		if !known[id] {
			j.logger.Warn("投影缺少账本上的票种，需要回填",
				zap.Uint64("eventId", eventID), zap.Uint64("tokenId", id))
		}
	}
}

// ReconcileProjection 仅用数据库内数据修正供应量：取已确认购买数量与门票数的较大值
func (j *Jobs) ReconcileProjection(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Job: JobProjection}

	types, err := j.store.ListTicketTypes(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("读取票种失败: %w", err)
	}
	for _, tt := range types {
		report.Checked++
		observedAt := j.now()
		purchased, err := j.store.SumPurchasedQuantity(ctx, tt.TokenID)
		if err != nil {
			j.logger.Error("统计购买记录失败", zap.Uint64("tokenId", tt.TokenID), zap.Error(err))
			j.mark(report, "failed")
			continue
		}
		tickets, err := j.store.CountTickets(ctx, tt.TokenID)
		if err != nil {
			j.logger.Error("统计门票失败", zap.Uint64("tokenId", tt.TokenID), zap.Error(err))
			j.mark(report, "failed")
			continue
		}
		if purchased != tickets {
			j.logger.Warn("购买记录与门票数量不一致",
				zap.Uint64("tokenId", tt.TokenID),
				zap.Uint64("purchased", purchased),
				zap.Uint64("tickets", tickets))
		}
		result, err := j.setSupply(ctx, tt, max(purchased, tickets), observedAt)
		if err != nil {
			j.logger.Error("覆盖供应量失败", zap.Uint64("tokenId", tt.TokenID), zap.Error(err))
		}
		j.mark(report, result)
	}
	return j.finish(report, start), nil
}

// RefreshSupply 从合约读取单个票种的铸造数量并覆盖投影与缓存，返回截断后的供应量
func (j *Jobs) RefreshSupply(ctx context.Context, tokenID uint64) (uint64, error) {
	tt, err := j.store.GetTicketType(ctx, tokenID)
	if err != nil {
		return 0, err
	}

	observedAt := j.now()
	lctx, cancel := context.WithTimeout(ctx, j.timeout)
	minted, err := j.ledger.GetMintedCount(lctx, tokenID)
	cancel()
	if err != nil {
		return 0, err
	}

	if _, err := j.setSupply(ctx, tt, minted, observedAt); err != nil {
		return 0, fmt.Errorf("覆盖供应量失败: %w", err)
	}
	return clamp(minted, tt.MaxSupply), nil
}

// Run 按名称执行对账任务，supply 会接着重算活动汇总
func (j *Jobs) Run(ctx context.Context, job string) ([]*Report, error) {
	switch job {
	case JobSupply:
		supply, err := j.ReconcileSupply(ctx)
		if err != nil {
			return []*Report{supply}, err
		}
		agg, err := j.ReconcileAggregates(ctx)
		return []*Report{supply, agg}, err
	case JobAggregates:
		r, err := j.ReconcileAggregates(ctx)
		return []*Report{r}, err
	case JobProjection:
		r, err := j.ReconcileProjection(ctx)
		return []*Report{r}, err
	default:
		return nil, fmt.Errorf("未知的对账任务: %s", job)
	}
}
