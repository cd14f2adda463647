package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// MemoryLedger 进程内账本，用于测试与本地联调
type MemoryLedger struct {
	mu          sync.Mutex
	head        uint64
	seq         uint64
	log         []*model.LedgerEvent
	events      map[uint64]*model.EventAggregate
	ticketTypes map[uint64]*model.TicketTypeAggregate
	minted      map[uint64]uint64
	balances    map[string]uint64
	subscribers map[int]*memorySubscriber
	nextSubID   int
	unavailable bool
	maxRange    uint64
}

type memorySubscriber struct {
	kinds map[model.EventKind]bool
	ch    chan *model.LedgerEvent
	drop  chan error
}

var _ Reader = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events:      make(map[uint64]*model.EventAggregate),
		ticketTypes: make(map[uint64]*model.TicketTypeAggregate),
		minted:      make(map[uint64]uint64),
		balances:    make(map[string]uint64),
		subscribers: make(map[int]*memorySubscriber),
	}
}

func balanceKey(owner string, tokenID uint64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(owner), tokenID)
}

// SetUnavailable 模拟节点故障
func (l *MemoryLedger) SetUnavailable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = v
}

// SetMaxLogRange 限制单次日志查询的区块跨度，模拟节点对 eth_getLogs 的范围限制
func (l *MemoryLedger) SetMaxLogRange(blocks uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxRange = blocks
}

// Disconnect 断开所有订阅，订阅方会收到 ErrUnavailable 并重连
func (l *MemoryLedger) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subscribers {
		select {
		case s.drop <- unavailable("订阅日志", fmt.Errorf("连接被重置")):
		default:
		}
	}
}

// Emit 追加一条日志并推送给订阅者
func (l *MemoryLedger) Emit(ev *model.LedgerEvent) *model.LedgerEvent {
	return l.append(ev, true)
}

// Record 追加一条日志但不推送，用于模拟订阅遗漏
func (l *MemoryLedger) Record(ev *model.LedgerEvent) *model.LedgerEvent {
	return l.append(ev, false)
}

func (l *MemoryLedger) append(in *model.LedgerEvent, notify bool) *model.LedgerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := *in
	l.seq++
	if ev.BlockNumber == 0 {
		ev.BlockNumber = l.head + 1
	}
	if ev.BlockNumber > l.head {
		l.head = ev.BlockNumber
	}
	if ev.TxHash == "" {
		ev.TxHash = fmt.Sprintf("0x%064x", l.seq)
	}
	ev.Account = strings.ToLower(ev.Account)
	l.apply(&ev)
	l.log = append(l.log, &ev)

	if notify {
		for _, s := range l.subscribers {
			if s.kinds[ev.Kind] {
				cp := ev
				s.ch <- &cp
			}
		}
	}
	out := ev
	return &out
}

// apply 维护合约状态，与链上合约行为一致
func (l *MemoryLedger) apply(ev *model.LedgerEvent) {
	switch ev.Kind {
	case model.KindEventCreated:
		if _, ok := l.events[ev.EventID]; ok {
			return
		}
		l.events[ev.EventID] = &model.EventAggregate{
			EventID:   ev.EventID,
			Name:      ev.Name,
			Organizer: ev.Account,
			StartTime: time.Unix(ev.StartTime, 0).UTC(),
			EndTime:   time.Unix(ev.EndTime, 0).UTC(),
			IsActive:  true,
			CreatedAt: time.Unix(int64(ev.BlockNumber), 0).UTC(),
			Revenue:   new(big.Int),
		}
	case model.KindTicketTypeCreated:
		if _, ok := l.ticketTypes[ev.TokenID]; ok {
			return
		}
		price := new(big.Int)
		if ev.Price != nil {
			price.Set(ev.Price)
		}
		l.ticketTypes[ev.TokenID] = &model.TicketTypeAggregate{
			TokenID:   ev.TokenID,
			EventID:   ev.EventID,
			Name:      ev.Name,
			Price:     price,
			MaxSupply: ev.MaxSupply,
			IsActive:  true,
		}
	case model.KindTicketPurchased:
		l.minted[ev.TokenID] += ev.Amount
		l.balances[balanceKey(ev.Account, ev.TokenID)] += ev.Amount
		if agg, ok := l.events[ev.EventID]; ok && ev.Price != nil {
			agg.TotalTicketsSold += ev.Amount
			agg.Revenue.Add(agg.Revenue, new(big.Int).Mul(ev.Price, new(big.Int).SetUint64(ev.Amount)))
		}
	}
}

// SetEventDetails 补充链上活动描述等 getEvent 才能取到的字段
func (l *MemoryLedger) SetEventDetails(eventID uint64, description string, isActive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agg, ok := l.events[eventID]; ok {
		agg.Description = description
		agg.IsActive = isActive
	}
}

// SetSaleWindow 设置票种销售时间
func (l *MemoryLedger) SetSaleWindow(tokenID uint64, start, end time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agg, ok := l.ticketTypes[tokenID]; ok {
		agg.StartSaleTime = start.UTC()
		agg.EndSaleTime = end.UTC()
	}
}

func (l *MemoryLedger) check(op string) error {
	if l.unavailable {
		return unavailable(op, context.DeadlineExceeded)
	}
	return nil
}

func (l *MemoryLedger) GetEvent(ctx context.Context, eventID uint64) (*model.EventAggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("getEvent"); err != nil {
		return nil, err
	}
	agg, ok := l.events[eventID]
	if !ok {
		return nil, fmt.Errorf("活动 %d: %w", eventID, ErrNotFound)
	}
	cp := *agg
	cp.Revenue = new(big.Int).Set(agg.Revenue)
	return &cp, nil
}

func (l *MemoryLedger) GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketTypeAggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("getTicketType"); err != nil {
		return nil, err
	}
	agg, ok := l.ticketTypes[tokenID]
	if !ok {
		return nil, fmt.Errorf("票种 %d: %w", tokenID, ErrNotFound)
	}
	cp := *agg
	cp.Price = new(big.Int).Set(agg.Price)
	return &cp, nil
}

func (l *MemoryLedger) GetEventTicketTypes(ctx context.Context, eventID uint64) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("getEventTicketTypes"); err != nil {
		return nil, err
	}
	var ids []uint64
	for _, ev := range l.log {
		if ev.Kind == model.KindTicketTypeCreated && ev.EventID == eventID {
			ids = append(ids, ev.TokenID)
		}
	}
	return ids, nil
}

func (l *MemoryLedger) GetMintedCount(ctx context.Context, tokenID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("totalSupply"); err != nil {
		return 0, err
	}
	return l.minted[tokenID], nil
}

func (l *MemoryLedger) GetBalance(ctx context.Context, owner string, tokenID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("balanceOf"); err != nil {
		return 0, err
	}
	return l.balances[balanceKey(owner, tokenID)], nil
}

func (l *MemoryLedger) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("blockNumber"); err != nil {
		return 0, err
	}
	return l.head, nil
}

func (l *MemoryLedger) QueryLog(ctx context.Context, q LogQuery) ([]*model.LedgerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("eth_getLogs"); err != nil {
		return nil, err
	}
	if l.maxRange > 0 {
		to := l.head
		if q.ToBlock != nil {
			to = *q.ToBlock
		}
		if to >= q.FromBlock && to-q.FromBlock+1 > l.maxRange {
			return nil, fmt.Errorf("eth_getLogs: 区块范围 %d-%d 超过上限 %d", q.FromBlock, to, l.maxRange)
		}
	}
	var out []*model.LedgerEvent
	for _, ev := range l.log {
		if matches(q, ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	model.SortLedgerEvents(out)
	return out, nil
}

// Subscribe 与 EthReader 语义一致：断线时回调 onErr 后继续投递
func (l *MemoryLedger) Subscribe(ctx context.Context, kinds []model.EventKind, handler Handler, onErr ErrorHandler) error {
	s := &memorySubscriber{
		kinds: make(map[model.EventKind]bool, len(kinds)),
		ch:    make(chan *model.LedgerEvent, 1024),
		drop:  make(chan error, 1),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = s
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.drop:
			if onErr != nil {
				onErr(err)
			}
		case ev := <-s.ch:
			handler(ev)
		}
	}
}

// Subscribers 当前订阅数量
func (l *MemoryLedger) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subscribers)
}
