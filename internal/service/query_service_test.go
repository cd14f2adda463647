package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/ingest"
	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/reconcile"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
)

const owner = "0x0000000000000000000000000000000000000abc"

type env struct {
	ledger *ledger.MemoryLedger
	repo   *repository.MemoryRepository
	cache  *repository.SupplyCache
	redis  *miniredis.Miniredis
	svc    *QueryService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	repo := repository.NewMemoryRepository()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := repository.NewSupplyCacheWithClient(ctx, client, time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	jobs := reconcile.NewJobs(repo, l, reconcile.WithSupplyCache(cache))
	engine := ingest.NewEngine(repo, l, ingest.WithSupplyCache(cache))

	price := big.NewInt(250)
	for _, ev := range []*model.LedgerEvent{
		{Kind: model.KindEventCreated, EventID: 1, Account: owner},
		{Kind: model.KindTicketTypeCreated, EventID: 1, TokenID: 5, Price: price, MaxSupply: 10},
		{Kind: model.KindTicketPurchased, EventID: 1, TokenID: 5, Account: owner, Amount: 2, Price: price},
	} {
		engine.Handle(ctx, l.Record(ev))
	}

	return &env{
		ledger: l,
		repo:   repo,
		cache:  cache,
		redis:  mr,
		svc:    NewQueryService(repo, l, cache, jobs, nil, zap.NewNop(), time.Second),
	}
}

func TestCurrentSupplyCacheAside(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// 账本上又卖出一张，投影尚未同步
	e.ledger.Record(&model.LedgerEvent{Kind: model.KindTicketPurchased, EventID: 1, TokenID: 5, Account: owner, Amount: 1})

	supply, err := e.svc.CurrentSupply(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), supply)

	cached, hit, err := e.cache.GetSupply(ctx, 5)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, uint64(3), cached)

	tt, err := e.svc.GetTicketType(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tt.CurrentSupply)

	// 命中缓存时不访问账本
	e.ledger.SetUnavailable(true)
	supply, err = e.svc.CurrentSupply(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), supply)
}

func TestCurrentSupplyFallsBackToProjection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.ledger.SetUnavailable(true)

	supply, err := e.svc.CurrentSupply(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), supply)

	_, hit, err := e.cache.GetSupply(ctx, 5)
	require.NoError(t, err)
	assert.False(t, hit)

	_, err = e.svc.CurrentSupply(ctx, 404)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVerifyTicket(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	typeID := uint64(5)
	tickets, _, err := e.svc.ListTickets(ctx, repository.TicketFilter{TicketTypeID: &typeID})
	require.NoError(t, err)
	require.Len(t, tickets, 2)

	v, err := e.svc.VerifyTicket(ctx, tickets[0].ID, "0x0000000000000000000000000000000000000ABC")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, uint64(2), v.Balance)

	v, err = e.svc.VerifyTicket(ctx, tickets[0].ID, "0x0000000000000000000000000000000000000def")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonNotOwner, v.Reason)

	_, err = e.svc.VerifyTicket(ctx, "missing", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	e.ledger.SetUnavailable(true)
	_, err = e.svc.VerifyTicket(ctx, tickets[0].ID, "")
	assert.True(t, ledger.IsUnavailable(err))
}

func TestGetTransactionNormalizesHash(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	snap := e.repo.Snapshot()
	require.NotEmpty(t, snap.Transactions)

	hash := snap.Transactions[0].TransactionHash
	rec, err := e.svc.GetTransaction(ctx, "0X"+hash[2:])
	require.NoError(t, err)
	assert.Equal(t, hash, rec.TransactionHash)
}
