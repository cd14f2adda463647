package reconcile

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvdashuaibi/ticketsync/internal/ingest"
	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
)

const buyer = "0x0000000000000000000000000000000000000abc"

type fakeCache struct {
	mu     sync.Mutex
	supply map[uint64]uint64
}

func (c *fakeCache) SetSupply(ctx context.Context, tokenID, supply uint64, observedAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.supply == nil {
		c.supply = make(map[uint64]uint64)
	}
	c.supply[tokenID] = supply
	return true, nil
}

type fixture struct {
	ledger *ledger.MemoryLedger
	repo   *repository.MemoryRepository
	engine *ingest.Engine
	cache  *fakeCache
	jobs   *Jobs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger()
	repo := repository.NewMemoryRepository()
	cache := &fakeCache{}
	opts = append([]Option{WithSupplyCache(cache), WithLedgerTimeout(time.Second)}, opts...)
	return &fixture{
		ledger: l,
		repo:   repo,
		engine: ingest.NewEngine(repo, l),
		cache:  cache,
		jobs:   NewJobs(repo, l, opts...),
	}
}

func (f *fixture) ingest(t *testing.T, events ...*model.LedgerEvent) {
	t.Helper()
	for _, ev := range events {
		f.engine.Handle(context.Background(), ev)
	}
}

func (f *fixture) eventAndType(tokenID uint64, price string, maxSupply uint64) (*model.LedgerEvent, *model.LedgerEvent) {
	p, _ := new(big.Int).SetString(price, 10)
	created := f.ledger.Record(&model.LedgerEvent{Kind: model.KindEventCreated, EventID: 1, Account: buyer})
	tt := f.ledger.Record(&model.LedgerEvent{
		Kind: model.KindTicketTypeCreated, EventID: 1, TokenID: tokenID, Price: p, MaxSupply: maxSupply,
	})
	return created, tt
}

func (f *fixture) purchase(tokenID, amount uint64, price string) *model.LedgerEvent {
	p, _ := new(big.Int).SetString(price, 10)
	return f.ledger.Record(&model.LedgerEvent{
		Kind: model.KindTicketPurchased, EventID: 1, TokenID: tokenID, Account: buyer, Amount: amount, Price: p,
	})
}

func TestOutOfOrderPurchaseRepairedBySupply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(2, "1000", 100)
	early := f.purchase(2, 3, "1000")
	late := f.purchase(2, 2, "1000")

	f.ingest(t, created, early, tt, late)
	got, err := f.repo.GetTicketType(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.CurrentSupply)

	reports, err := f.jobs.Run(ctx, JobSupply)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Updated)
	assert.Equal(t, 1, reports[1].Updated)

	got, err = f.repo.GetTicketType(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.CurrentSupply)
	assert.Equal(t, uint64(5), f.cache.supply[2])

	ev, err := f.repo.GetEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.TotalTicketsSold)
	assert.Equal(t, "5000", ev.Revenue)
}

func TestSupplyOverwritesDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(3, "1", 10)
	f.ingest(t, created, tt, f.purchase(3, 4, "1"))
	require.NoError(t, f.repo.SetTicketTypeSupply(ctx, 3, 9))

	report, err := f.jobs.ReconcileSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Updated)

	got, err := f.repo.GetTicketType(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.CurrentSupply)

	// 已一致时再次对账不产生修正
	report, err = f.jobs.ReconcileSupply(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Updated)
}

func TestSupplyClampedToMax(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(4, "1", 10)
	f.ingest(t, created, tt, f.purchase(4, 6, "1"), f.purchase(4, 6, "1"))

	got, err := f.repo.GetTicketType(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.CurrentSupply)

	_, err = f.jobs.ReconcileSupply(ctx)
	require.NoError(t, err)
	got, err = f.repo.GetTicketType(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.CurrentSupply)
}

func TestSupplyQueriesLogInChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLogChunk(2))
	created, tt := f.eventAndType(10, "1", 100)
	f.ingest(t, created, tt)
	for i := 0; i < 5; i++ {
		f.purchase(10, uint64(i+1), "1")
	}
	f.ledger.SetMaxLogRange(2)

	report, err := f.jobs.ReconcileSupply(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Updated)

	got, err := f.repo.GetTicketType(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got.CurrentSupply)
}

func TestSupplyRangeTooLargeFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(11, "1", 100)
	f.ingest(t, created, tt, f.purchase(11, 2, "1"))
	f.purchase(11, 3, "1")
	f.ledger.SetMaxLogRange(2)

	report, err := f.jobs.ReconcileSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := f.repo.GetTicketType(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.CurrentSupply)
}

func TestSupplyLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(5, "1", 10)
	f.ingest(t, created, tt, f.purchase(5, 2, "1"))
	f.ledger.SetUnavailable(true)

	report, err := f.jobs.ReconcileSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := f.repo.GetTicketType(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.CurrentSupply)
}

func TestAggregatesExactRevenue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(6, "333333333333333", 10)
	f.ingest(t, created, tt, f.purchase(6, 7, "333333333333333"))
	require.NoError(t, f.repo.SetEventAggregates(ctx, 1, 0, "0"))

	report, err := f.jobs.ReconcileAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	ev, err := f.repo.GetEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ev.TotalTicketsSold)
	assert.Equal(t, "2333333333333331", ev.Revenue)
}

func TestAggregatesWarnMissingTicketType(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, WithLogger(zap.New(core)))
	created, _ := f.eventAndType(7, "1", 10)
	f.ingest(t, created)

	report, err := f.jobs.ReconcileAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Zero(t, report.Failed)

	warned := logs.FilterMessage("投影缺少账本上的票种，需要回填").All()
	require.Len(t, warned, 1)
	assert.Equal(t, uint64(7), warned[0].ContextMap()["tokenId"])
}

func TestProjectionTakesMaximum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(8, "1", 10)
	f.ingest(t, created, tt, f.purchase(8, 3, "1"))
	require.NoError(t, f.repo.SetTicketTypeSupply(ctx, 8, 0))
	f.ledger.SetUnavailable(true)

	report, err := f.jobs.ReconcileProjection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	got, err := f.repo.GetTicketType(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.CurrentSupply)
}

func TestRefreshSupply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, tt := f.eventAndType(9, "1", 4)
	f.ingest(t, created, tt)
	f.purchase(9, 3, "1")
	f.purchase(9, 3, "1")

	supply, err := f.jobs.RefreshSupply(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), supply)
	assert.Equal(t, uint64(4), f.cache.supply[9])

	_, err = f.jobs.RefreshSupply(ctx, 99)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	f.ledger.SetUnavailable(true)
	_, err = f.jobs.RefreshSupply(ctx, 9)
	assert.True(t, ledger.IsUnavailable(err))
}

func TestRunUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.jobs.Run(context.Background(), "nope")
	assert.Error(t, err)
}
