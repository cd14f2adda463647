package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/metrics"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
)

// SupplyCache 供应量缓存
type SupplyCache interface {
	GetSupply(ctx context.Context, tokenID uint64) (uint64, bool, error)
}

// SupplyRefresher 从账本读取供应量并覆盖投影与缓存
type SupplyRefresher interface {
	RefreshSupply(ctx context.Context, tokenID uint64) (uint64, error)
}

// 验票失败原因
const (
	ReasonNotOwner  = "not_owner"
	ReasonUsed      = "already_used"
	ReasonNoBalance = "no_balance"
)

// Verification 验票结果
type Verification struct {
	Ticket *model.Ticket
	Valid  bool
	Reason string
	// Balance 持票人在该票种上的链上余额
	Balance uint64
}

// QueryService 投影的只读查询，供应量可以从账本按需刷新
type QueryService struct {
	store     repository.Store
	ledger    ledger.Reader
	cache     SupplyCache
	refresher SupplyRefresher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	timeout   time.Duration
}

func NewQueryService(
	store repository.Store,
	reader ledger.Reader,
	cache SupplyCache,
	refresher SupplyRefresher,
	m *metrics.Metrics,
	logger *zap.Logger,
	ledgerTimeout time.Duration,
) *QueryService {
	if ledgerTimeout <= 0 {
		ledgerTimeout = 10 * time.Second
	}
	return &QueryService{
		store:     store,
		ledger:    reader,
		cache:     cache,
		refresher: refresher,
		metrics:   m,
		logger:    logger.Named("query"),
		timeout:   ledgerTimeout,
	}
}

func (s *QueryService) GetEvent(ctx context.Context, eventID uint64) (*model.Event, error) {
	return s.store.GetEvent(ctx, eventID)
}

func (s *QueryService) ListEvents(ctx context.Context, f repository.EventFilter) ([]*model.Event, int64, error) {
	return s.store.ListEvents(ctx, f)
}

func (s *QueryService) GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketType, error) {
	return s.store.GetTicketType(ctx, tokenID)
}

func (s *QueryService) ListTicketTypes(ctx context.Context, eventID *uint64) ([]*model.TicketType, error) {
	return s.store.ListTicketTypes(ctx, eventID)
}

func (s *QueryService) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

func (s *QueryService) ListTickets(ctx context.Context, f repository.TicketFilter) ([]*model.Ticket, int64, error) {
	return s.store.ListTickets(ctx, f)
}

func (s *QueryService) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	return s.store.GetTransaction(ctx, strings.ToLower(hash))
}

// CurrentSupply 先读缓存；未命中时从账本刷新，账本不可用则退回投影中的值
func (s *QueryService) CurrentSupply(ctx context.Context, tokenID uint64) (uint64, error) {
	if s.cache != nil {
		supply, hit, err := s.cache.GetSupply(ctx, tokenID)
		if err != nil {
			s.logger.Warn("读取供应量缓存失败", zap.Uint64("tokenId", tokenID), zap.Error(err))
		}
		s.metrics.SupplyCache(hit)
		if hit {
			return supply, nil
		}
	}

	if s.refresher != nil {
		supply, err := s.refresher.RefreshSupply(ctx, tokenID)
		if err == nil {
			return supply, nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			return 0, err
		}
		s.logger.Warn("从账本刷新供应量失败，使用投影值", zap.Uint64("tokenId", tokenID), zap.Error(err))
	}

	tt, err := s.store.GetTicketType(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	return tt.CurrentSupply, nil
}

// RefreshSupply 强制从账本刷新供应量
func (s *QueryService) RefreshSupply(ctx context.Context, tokenID uint64) (uint64, error) {
	if s.refresher == nil {
		return 0, fmt.Errorf("未配置供应量刷新")
	}
	return s.refresher.RefreshSupply(ctx, tokenID)
}

// VerifyTicket 校验门票归属：持有人一致、未核销且链上余额大于0
func (s *QueryService) VerifyTicket(ctx context.Context, ticketID, owner string) (*Verification, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	v := &Verification{Ticket: ticket}
	if owner != "" && !strings.EqualFold(owner, ticket.Owner) {
		v.Reason = ReasonNotOwner
		return v, nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	balance, err := s.ledger.GetBalance(lctx, ticket.Owner, ticket.TicketTypeID)
	if err != nil {
		return nil, fmt.Errorf("读取链上余额失败: %w", err)
	}
	v.Balance = balance

	switch {
	case balance == 0:
		v.Reason = ReasonNoBalance
	case ticket.IsUsed:
		v.Reason = ReasonUsed
	default:
		v.Valid = true
	}
	return v, nil
}
