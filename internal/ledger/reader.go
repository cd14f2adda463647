package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

var (
	// ErrUnavailable 账本超时或连接失败，可恢复
	ErrUnavailable = errors.New("账本不可用")
	// ErrNotFound 账本中不存在该聚合
	ErrNotFound = errors.New("账本中不存在")
)

// LogQuery 历史日志区间查询，ToBlock 为空表示查询到最新区块
type LogQuery struct {
	Kind      model.EventKind
	FromBlock uint64
	ToBlock   *uint64
	TokenID   *uint64
	EventID   *uint64
}

// Handler 订阅回调
type Handler func(ev *model.LedgerEvent)

// ErrorHandler 订阅断开时回调，err 包装了 ErrUnavailable
type ErrorHandler func(err error)

// Reader 只读账本客户端
type Reader interface {
	GetEvent(ctx context.Context, eventID uint64) (*model.EventAggregate, error)
	GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketTypeAggregate, error)
	GetEventTicketTypes(ctx context.Context, eventID uint64) ([]uint64, error)
	// GetMintedCount 票种已铸造数量 totalSupply(tokenId)
	GetMintedCount(ctx context.Context, tokenID uint64) (uint64, error)
	GetBalance(ctx context.Context, owner string, tokenID uint64) (uint64, error)
	QueryLog(ctx context.Context, q LogQuery) ([]*model.LedgerEvent, error)
	// Subscribe 阻塞直到 ctx 结束，断线后自行退避重连
	Subscribe(ctx context.Context, kinds []model.EventKind, handler Handler, onErr ErrorHandler) error
	LatestBlock(ctx context.Context) (uint64, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsUnavailable 判断是否为可恢复的账本错误
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func matches(q LogQuery, ev *model.LedgerEvent) bool {
	if q.Kind != "" && ev.Kind != q.Kind {
		return false
	}
	if ev.BlockNumber < q.FromBlock {
		return false
	}
	if q.ToBlock != nil && ev.BlockNumber > *q.ToBlock {
		return false
	}
	if q.TokenID != nil && ev.TokenID != *q.TokenID {
		return false
	}
	if q.EventID != nil && ev.EventID != *q.EventID {
		return false
	}
	return true
}
