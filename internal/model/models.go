package model

import (
	"math/big"
	"sort"
	"time"
)

// EventKind 链上事件类型
type EventKind string

const (
	KindEventCreated      EventKind = "EventCreated"
	KindTicketTypeCreated EventKind = "TicketTypeCreated"
	KindTicketPurchased   EventKind = "TicketPurchased"
	KindTicketCheckedIn   EventKind = "TicketCheckedIn"
)

// AllKinds 摄取引擎订阅的全部事件类型
var AllKinds = []EventKind{
	KindEventCreated,
	KindTicketTypeCreated,
	KindTicketPurchased,
	KindTicketCheckedIn,
}

// LedgerEvent 账本日志中的一条已解码事件，按 (BlockNumber, LogIndex) 排序
type LedgerEvent struct {
	Kind        EventKind `json:"kind"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint      `json:"logIndex"`
	Contract    string    `json:"contract,omitempty"`

	EventID uint64 `json:"eventId"`
	TokenID uint64 `json:"tokenId,omitempty"`
	Name    string `json:"name,omitempty"`
	// Account 组织者、购买者或持票人地址（小写）
	Account   string   `json:"account,omitempty"`
	StartTime int64    `json:"startTime,omitempty"`
	EndTime   int64    `json:"endTime,omitempty"`
	Price     *big.Int `json:"price,omitempty"`
	MaxSupply uint64   `json:"maxSupply,omitempty"`
	Amount    uint64   `json:"amount,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// Before 判断账本顺序
func (e *LedgerEvent) Before(o *LedgerEvent) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// SortLedgerEvents 按账本顺序原地排序
func SortLedgerEvents(events []*LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}

// EventAggregate 合约中 getEvent 返回的活动聚合
type EventAggregate struct {
	EventID          uint64
	Name             string
	Description      string
	Organizer        string
	StartTime        time.Time
	EndTime          time.Time
	IsActive         bool
	CreatedAt        time.Time
	TotalTicketsSold uint64
	Revenue          *big.Int
}

// TicketTypeAggregate 合约中 getTicketType 返回的票种聚合
type TicketTypeAggregate struct {
	TokenID       uint64
	EventID       uint64
	Name          string
	Price         *big.Int
	MaxSupply     uint64
	StartSaleTime time.Time
	EndSaleTime   time.Time
	IsActive      bool
}

// Event 活动投影
type Event struct {
	EventID          uint64     `json:"eventId"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Organizer        string     `json:"organizer"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          time.Time  `json:"endTime"`
	IsActive         bool       `json:"isActive"`
	TotalTicketsSold uint64     `json:"totalTicketsSold"`
	Revenue          string     `json:"revenue"`
	Category         string     `json:"category"`
	BannerImage      string     `json:"bannerImage"`
	TransactionHash  string     `json:"transactionHash"`
	CreatedAt        *time.Time `json:"createdAt,omitempty"`
}

// TicketType 票种投影，满足 0 <= CurrentSupply <= MaxSupply
type TicketType struct {
	TokenID         uint64    `json:"tokenId"`
	EventID         uint64    `json:"eventId"`
	Name            string    `json:"name"`
	Price           string    `json:"price"`
	MaxSupply       uint64    `json:"maxSupply"`
	CurrentSupply   uint64    `json:"currentSupply"`
	StartSaleTime   time.Time `json:"startSaleTime"`
	EndSaleTime     time.Time `json:"endSaleTime"`
	IsActive        bool      `json:"isActive"`
	TransactionHash string    `json:"transactionHash"`
}

// RemainingSupply 剩余可售数量
func (t *TicketType) RemainingSupply() uint64 {
	if t.CurrentSupply >= t.MaxSupply {
		return 0
	}
	return t.MaxSupply - t.CurrentSupply
}

// Ticket 单张门票，IsUsed 只能由 false 变为 true
type Ticket struct {
	ID              string     `json:"id"`
	EventID         uint64     `json:"eventId"`
	TicketTypeID    uint64     `json:"ticketTypeId"`
	Owner           string     `json:"owner"`
	TicketTypeName  string     `json:"ticketTypeName"`
	Price           string     `json:"price"`
	TransactionHash string     `json:"transactionHash"`
	IsUsed          bool       `json:"isUsed"`
	CheckedInAt     *time.Time `json:"checkedInAt,omitempty"`
	CheckedInBy     string     `json:"checkedInBy,omitempty"`
}

// TxType 交易记录类型
type TxType string

const (
	TxPurchase           TxType = "purchase"
	TxTransfer           TxType = "transfer"
	TxCheckIn            TxType = "checkin"
	TxEventCreation      TxType = "event_creation"
	TxTicketTypeCreation TxType = "ticket_type_creation"
)

// TxStatus 交易状态
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction 交易记录，TransactionHash 唯一，是去重的依据
type Transaction struct {
	TransactionHash string   `json:"transactionHash"`
	Type            TxType   `json:"type"`
	From            string   `json:"from"`
	To              string   `json:"to"`
	EventID         uint64   `json:"eventId"`
	TicketTypeID    uint64   `json:"ticketTypeId"`
	TokenID         string   `json:"tokenId"`
	Amount          string   `json:"amount"`
	Quantity        uint64   `json:"quantity"`
	Status          TxStatus `json:"status"`
	BlockNumber     uint64   `json:"blockNumber"`
}

// ReplayMessage 投递到重放主题的失败事件
type ReplayMessage struct {
	Event    *LedgerEvent `json:"event"`
	Attempts int          `json:"attempts"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failedAt"`
}
