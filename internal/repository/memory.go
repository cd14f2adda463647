package repository

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// MemoryRepository 进程内投影存储，每个方法在一把锁内完成，相当于单条原子写
type MemoryRepository struct {
	mu           sync.Mutex
	events       map[uint64]*model.Event
	ticketTypes  map[uint64]*model.TicketType
	tickets      map[string]*model.Ticket
	transactions map[string]*model.Transaction
	failWrites   error
}

var _ Store = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:       make(map[uint64]*model.Event),
		ticketTypes:  make(map[uint64]*model.TicketType),
		tickets:      make(map[string]*model.Ticket),
		transactions: make(map[string]*model.Transaction),
	}
}

// SetWriteError 设置后所有写操作返回该错误，用于模拟存储故障
func (r *MemoryRepository) SetWriteError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = err
}

func copyEvent(ev *model.Event) *model.Event {
	cp := *ev
	if ev.CreatedAt != nil {
		t := *ev.CreatedAt
		cp.CreatedAt = &t
	}
	return &cp
}

func copyTicket(t *model.Ticket) *model.Ticket {
	cp := *t
	if t.CheckedInAt != nil {
		at := *t.CheckedInAt
		cp.CheckedInAt = &at
	}
	return &cp
}

func (r *MemoryRepository) GetEvent(ctx context.Context, eventID uint64) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return nil, fmt.Errorf("活动 %d: %w", eventID, ErrNotFound)
	}
	return copyEvent(ev), nil
}

func (r *MemoryRepository) GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.ticketTypes[tokenID]
	if !ok {
		return nil, fmt.Errorf("票种 %d: %w", tokenID, ErrNotFound)
	}
	cp := *tt
	return &cp, nil
}

func (r *MemoryRepository) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, fmt.Errorf("门票 %s: %w", id, ErrNotFound)
	}
	return copyTicket(t), nil
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[hash]
	if !ok {
		return nil, fmt.Errorf("交易 %s: %w", hash, ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

func paginate[T any](items []T, p Page) []T {
	start := p.offset()
	if start >= len(items) {
		return nil
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (r *MemoryRepository) ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.Page = f.Page.normalize()

	var all []*model.Event
	for _, ev := range r.events {
		if f.Organizer != "" && ev.Organizer != strings.ToLower(f.Organizer) {
			continue
		}
		if f.Category != "" && ev.Category != f.Category {
			continue
		}
		if f.ActiveOnly && !ev.IsActive {
			continue
		}
		all = append(all, copyEvent(ev))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].StartTime.Before(all[j].StartTime)
		}
		return all[i].EventID < all[j].EventID
	})
	return paginate(all, f.Page), int64(len(all)), nil
}

func (r *MemoryRepository) ListTicketTypes(ctx context.Context, eventID *uint64) ([]*model.TicketType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.TicketType
	for _, tt := range r.ticketTypes {
		if eventID != nil && tt.EventID != *eventID {
			continue
		}
		cp := *tt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (r *MemoryRepository) ListTickets(ctx context.Context, f TicketFilter) ([]*model.Ticket, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.Page = f.Page.normalize()

	var all []*model.Ticket
	for _, t := range r.tickets {
		if f.Owner != "" && t.Owner != strings.ToLower(f.Owner) {
			continue
		}
		if f.EventID != nil && t.EventID != *f.EventID {
			continue
		}
		if f.TicketTypeID != nil && t.TicketTypeID != *f.TicketTypeID {
			continue
		}
		all = append(all, copyTicket(t))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, f.Page), int64(len(all)), nil
}

func (r *MemoryRepository) CountTickets(ctx context.Context, ticketTypeID uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n uint64
	for _, t := range r.tickets {
		if t.TicketTypeID == ticketTypeID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) SumPurchasedQuantity(ctx context.Context, ticketTypeID uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n uint64
	for _, tx := range r.transactions {
		if tx.TicketTypeID == ticketTypeID && tx.Type == model.TxPurchase && tx.Status == model.TxConfirmed {
			n += tx.Quantity
		}
	}
	return n, nil
}

func (r *MemoryRepository) recordTx(rec *model.Transaction) {
	if rec == nil {
		return
	}
	if _, ok := r.transactions[rec.TransactionHash]; ok {
		return
	}
	cp := *rec
	if cp.Amount == "" {
		cp.Amount = "0"
	}
	r.transactions[rec.TransactionHash] = &cp
}

func (r *MemoryRepository) CreateEvent(ctx context.Context, ev *model.Event, rec *model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	if _, ok := r.events[ev.EventID]; ok {
		return fmt.Errorf("活动 %d: %w", ev.EventID, ErrDuplicate)
	}
	cp := copyEvent(ev)
	if cp.Revenue == "" {
		cp.Revenue = "0"
	}
	r.events[ev.EventID] = cp
	r.recordTx(rec)
	return nil
}

func (r *MemoryRepository) CreateTicketType(ctx context.Context, tt *model.TicketType, rec *model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	if _, ok := r.ticketTypes[tt.TokenID]; ok {
		return fmt.Errorf("票种 %d: %w", tt.TokenID, ErrDuplicate)
	}
	cp := *tt
	r.ticketTypes[tt.TokenID] = &cp
	r.recordTx(rec)
	return nil
}

func (r *MemoryRepository) ApplyPurchase(ctx context.Context, p *Purchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}

	hash := p.Transaction.TransactionHash
	if _, ok := r.transactions[hash]; ok {
		return fmt.Errorf("交易 %s: %w", hash, ErrDuplicate)
	}
	tt, ok := r.ticketTypes[p.TicketTypeID]
	if !ok {
		return fmt.Errorf("票种 %d: %w", p.TicketTypeID, ErrNotFound)
	}
	if tt.CurrentSupply+p.Quantity > tt.MaxSupply {
		return fmt.Errorf("票种 %d: %w", p.TicketTypeID, ErrSupplyExceeded)
	}
	revenue, ok := new(big.Int).SetString(p.Revenue, 10)
	if !ok {
		return fmt.Errorf("收入格式错误: %q", p.Revenue)
	}

	r.recordTx(p.Transaction)
	tt.CurrentSupply += p.Quantity
	for _, t := range p.Tickets {
		if _, exists := r.tickets[t.ID]; !exists {
			r.tickets[t.ID] = copyTicket(t)
		}
	}
	if ev, ok := r.events[p.EventID]; ok {
		ev.TotalTicketsSold += p.Quantity
		total, _ := new(big.Int).SetString(ev.Revenue, 10)
		if total == nil {
			total = new(big.Int)
		}
		ev.Revenue = total.Add(total, revenue).String()
	}
	return nil
}

func (r *MemoryRepository) CheckIn(ctx context.Context, c *CheckIn) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return nil, r.failWrites
	}

	hash := c.Transaction.TransactionHash
	if _, ok := r.transactions[hash]; ok {
		return nil, fmt.Errorf("交易 %s: %w", hash, ErrDuplicate)
	}

	holder := strings.ToLower(c.Holder)
	var candidate *model.Ticket
	owned := 0
	for _, t := range r.tickets {
		if t.TicketTypeID != c.TicketTypeID || t.Owner != holder {
			continue
		}
		owned++
		if !t.IsUsed && (candidate == nil || t.ID < candidate.ID) {
			candidate = t
		}
	}
	if owned == 0 {
		return nil, fmt.Errorf("票种 %d 持票人 %s: %w", c.TicketTypeID, holder, ErrNotFound)
	}
	if candidate == nil {
		return nil, fmt.Errorf("票种 %d 持票人 %s: %w", c.TicketTypeID, holder, ErrAlreadyUsed)
	}

	r.recordTx(c.Transaction)
	at := c.CheckedInAt.UTC()
	candidate.IsUsed = true
	candidate.CheckedInAt = &at
	candidate.CheckedInBy = c.CheckedInBy
	return copyTicket(candidate), nil
}

func (r *MemoryRepository) SetTicketTypeSupply(ctx context.Context, tokenID, supply uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	tt, ok := r.ticketTypes[tokenID]
	if !ok {
		return fmt.Errorf("票种 %d: %w", tokenID, ErrNotFound)
	}
	if supply > tt.MaxSupply {
		supply = tt.MaxSupply
	}
	tt.CurrentSupply = supply
	return nil
}

func (r *MemoryRepository) SetEventAggregates(ctx context.Context, eventID, totalTicketsSold uint64, revenue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	ev, ok := r.events[eventID]
	if !ok {
		return fmt.Errorf("活动 %d: %w", eventID, ErrNotFound)
	}
	ev.TotalTicketsSold = totalTicketsSold
	ev.Revenue = revenue
	return nil
}

// Snapshot 导出全部投影，测试中用于比较两次重放的结果
func (r *MemoryRepository) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{}
	for _, ev := range r.events {
		s.Events = append(s.Events, *copyEvent(ev))
	}
	for _, tt := range r.ticketTypes {
		s.TicketTypes = append(s.TicketTypes, *tt)
	}
	for _, t := range r.tickets {
		s.Tickets = append(s.Tickets, *copyTicket(t))
	}
	for _, tx := range r.transactions {
		s.Transactions = append(s.Transactions, *tx)
	}
	sort.Slice(s.Events, func(i, j int) bool { return s.Events[i].EventID < s.Events[j].EventID })
	sort.Slice(s.TicketTypes, func(i, j int) bool { return s.TicketTypes[i].TokenID < s.TicketTypes[j].TokenID })
	sort.Slice(s.Tickets, func(i, j int) bool { return s.Tickets[i].ID < s.Tickets[j].ID })
	sort.Slice(s.Transactions, func(i, j int) bool {
		return s.Transactions[i].TransactionHash < s.Transactions[j].TransactionHash
	})
	return s
}

// Snapshot 投影的有序快照
type Snapshot struct {
	Events       []model.Event
	TicketTypes  []model.TicketType
	Tickets      []model.Ticket
	Transactions []model.Transaction
}

func (r *MemoryRepository) Close() error {
	return nil
}
