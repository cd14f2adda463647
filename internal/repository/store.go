package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

var (
	ErrNotFound = errors.New("记录不存在")
	// ErrDuplicate 交易哈希已记录，事件已处理过
	ErrDuplicate = errors.New("重复事件")
	// ErrSupplyExceeded 本次购买会使供应量超过上限
	ErrSupplyExceeded = errors.New("供应量超过上限")
	// ErrAlreadyUsed 持票人的门票已全部核销
	ErrAlreadyUsed = errors.New("门票已核销")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page 分页参数，Page 从1开始
type Page struct {
	Page  int
	Limit int
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 || p.Limit > MaxPageSize {
		p.Limit = DefaultPageSize
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.Limit
}

type EventFilter struct {
	Page
	Organizer  string
	Category   string
	ActiveOnly bool
}

type TicketFilter struct {
	Page
	Owner        string
	EventID      *uint64
	TicketTypeID *uint64
}

// Purchase 一次购买需要原子落库的全部写入
type Purchase struct {
	Transaction  *model.Transaction
	Tickets      []*model.Ticket
	EventID      uint64
	TicketTypeID uint64
	Quantity     uint64
	// Revenue 十进制字符串，price*amount
	Revenue string
}

// CheckIn 一次核销
type CheckIn struct {
	Transaction  *model.Transaction
	TicketTypeID uint64
	Holder       string
	CheckedInAt  time.Time
	CheckedInBy  string
}

// Store 投影存储
//
// 增量写入（CreateEvent、CreateTicketType、ApplyPurchase、CheckIn）以交易哈希唯一约束去重；
// 绝对值写入（SetTicketTypeSupply、SetEventAggregates）只由对账和供应量刷新使用。
type Store interface {
	GetEvent(ctx context.Context, eventID uint64) (*model.Event, error)
	GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketType, error)
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	GetTransaction(ctx context.Context, hash string) (*model.Transaction, error)

	ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, int64, error)
	// ListTicketTypes eventID 为空时返回全部票种
	ListTicketTypes(ctx context.Context, eventID *uint64) ([]*model.TicketType, error)
	ListTickets(ctx context.Context, f TicketFilter) ([]*model.Ticket, int64, error)

	CountTickets(ctx context.Context, ticketTypeID uint64) (uint64, error)
	// SumPurchasedQuantity 已确认购买交易的数量之和
	SumPurchasedQuantity(ctx context.Context, ticketTypeID uint64) (uint64, error)

	CreateEvent(ctx context.Context, ev *model.Event, tx *model.Transaction) error
	CreateTicketType(ctx context.Context, tt *model.TicketType, tx *model.Transaction) error
	ApplyPurchase(ctx context.Context, p *Purchase) error
	CheckIn(ctx context.Context, c *CheckIn) (*model.Ticket, error)

	SetTicketTypeSupply(ctx context.Context, tokenID, supply uint64) error
	SetEventAggregates(ctx context.Context, eventID, totalTicketsSold uint64, revenue string) error

	Close() error
}
