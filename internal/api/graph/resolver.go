package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	graphql "github.com/graph-gophers/graphql-go"

	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
	"github.com/lvdashuaibi/ticketsync/internal/service"
)

// Resolver GraphQL根解析器
type Resolver struct {
	svc *service.QueryService
}

func NewResolver(svc *service.QueryService) *Resolver {
	return &Resolver{svc: svc}
}

func parseID(id graphql.ID) (uint64, error) {
	v, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的编号: %q", id)
	}
	return v, nil
}

func optionalID(id *graphql.ID) (*uint64, error) {
	if id == nil {
		return nil, nil
	}
	v, err := parseID(*id)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func formatID(v uint64) graphql.ID {
	return graphql.ID(strconv.FormatUint(v, 10))
}

// toInt32 GraphQL 的 Int 为32位，超出时截断
func toInt32(v uint64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

func page(p, limit *int32) repository.Page {
	var out repository.Page
	if p != nil {
		out.Page = int(*p)
	}
	if limit != nil {
		out.Limit = int(*limit)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// notFoundAsNull 可空字段在记录不存在时返回 null
func notFoundAsNull(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (r *Resolver) Event(ctx context.Context, args struct{ EventID graphql.ID }) (*EventResolver, error) {
	id, err := parseID(args.EventID)
	if err != nil {
		return nil, err
	}
	ev, err := r.svc.GetEvent(ctx, id)
	if err != nil {
		return nil, notFoundAsNull(err)
	}
	return &EventResolver{ev: ev, svc: r.svc}, nil
}

type eventsArgs struct {
	Organizer  *string
	Category   *string
	ActiveOnly *bool
	Page       *int32
	Limit      *int32
}

func (r *Resolver) Events(ctx context.Context, args eventsArgs) (*EventPageResolver, error) {
	f := repository.EventFilter{Page: page(args.Page, args.Limit)}
	if args.Organizer != nil {
		f.Organizer = *args.Organizer
	}
	if args.Category != nil {
		f.Category = *args.Category
	}
	if args.ActiveOnly != nil {
		f.ActiveOnly = *args.ActiveOnly
	}
	events, total, err := r.svc.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]*EventResolver, len(events))
	for i, ev := range events {
		items[i] = &EventResolver{ev: ev, svc: r.svc}
	}
	return &EventPageResolver{items: items, total: total}, nil
}

func (r *Resolver) TicketType(ctx context.Context, args struct {
	TokenID graphql.ID
	Fresh   *bool
}) (*TicketTypeResolver, error) {
	id, err := parseID(args.TokenID)
	if err != nil {
		return nil, err
	}
	tt, err := r.svc.GetTicketType(ctx, id)
	if err != nil {
		return nil, notFoundAsNull(err)
	}
	if args.Fresh != nil && *args.Fresh {
		supply, err := r.svc.CurrentSupply(ctx, id)
		if err != nil {
			return nil, err
		}
		tt.CurrentSupply = supply
	}
	return &TicketTypeResolver{tt: tt}, nil
}

func (r *Resolver) TicketTypes(ctx context.Context, args struct{ EventID *graphql.ID }) ([]*TicketTypeResolver, error) {
	eventID, err := optionalID(args.EventID)
	if err != nil {
		return nil, err
	}
	types, err := r.svc.ListTicketTypes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return ticketTypeResolvers(types), nil
}

func ticketTypeResolvers(types []*model.TicketType) []*TicketTypeResolver {
	out := make([]*TicketTypeResolver, len(types))
	for i, tt := range types {
		out[i] = &TicketTypeResolver{tt: tt}
	}
	return out
}

func (r *Resolver) Ticket(ctx context.Context, args struct{ ID graphql.ID }) (*TicketResolver, error) {
	t, err := r.svc.GetTicket(ctx, string(args.ID))
	if err != nil {
		return nil, notFoundAsNull(err)
	}
	return &TicketResolver{t: t}, nil
}

type ticketsArgs struct {
	Owner        *string
	EventID      *graphql.ID
	TicketTypeID *graphql.ID
	Page         *int32
	Limit        *int32
}

func (r *Resolver) Tickets(ctx context.Context, args ticketsArgs) (*TicketPageResolver, error) {
	f := repository.TicketFilter{Page: page(args.Page, args.Limit)}
	if args.Owner != nil {
		f.Owner = *args.Owner
	}
	var err error
	if f.EventID, err = optionalID(args.EventID); err != nil {
		return nil, err
	}
	if f.TicketTypeID, err = optionalID(args.TicketTypeID); err != nil {
		return nil, err
	}
	tickets, total, err := r.svc.ListTickets(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]*TicketResolver, len(tickets))
	for i, t := range tickets {
		items[i] = &TicketResolver{t: t}
	}
	return &TicketPageResolver{items: items, total: total}, nil
}

func (r *Resolver) Transaction(ctx context.Context, args struct{ Hash string }) (*TransactionResolver, error) {
	tx, err := r.svc.GetTransaction(ctx, args.Hash)
	if err != nil {
		return nil, notFoundAsNull(err)
	}
	return &TransactionResolver{tx: tx}, nil
}

func (r *Resolver) VerifyTicket(ctx context.Context, args struct {
	ID    graphql.ID
	Owner *string
}) (*VerificationResolver, error) {
	owner := ""
	if args.Owner != nil {
		owner = *args.Owner
	}
	v, err := r.svc.VerifyTicket(ctx, string(args.ID), owner)
	if err != nil {
		return nil, err
	}
	return &VerificationResolver{v: v}, nil
}

func (r *Resolver) RefreshSupply(ctx context.Context, args struct{ TokenID graphql.ID }) (*TicketTypeResolver, error) {
	id, err := parseID(args.TokenID)
	if err != nil {
		return nil, err
	}
	if _, err := r.svc.RefreshSupply(ctx, id); err != nil {
		return nil, err
	}
	tt, err := r.svc.GetTicketType(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TicketTypeResolver{tt: tt}, nil
}

// EventResolver 活动解析器
type EventResolver struct {
	ev  *model.Event
	svc *service.QueryService
}

func (r *EventResolver) EventID() graphql.ID {
	return formatID(r.ev.EventID)
}

func (r *EventResolver) Name() string {
	return r.ev.Name
}

func (r *EventResolver) Description() string {
	return r.ev.Description
}

func (r *EventResolver) Organizer() string {
	return r.ev.Organizer
}

func (r *EventResolver) StartTime() string {
	return formatTime(r.ev.StartTime)
}

func (r *EventResolver) EndTime() string {
	return formatTime(r.ev.EndTime)
}

func (r *EventResolver) IsActive() bool {
	return r.ev.IsActive
}

func (r *EventResolver) TotalTicketsSold() int32 {
	return toInt32(r.ev.TotalTicketsSold)
}

func (r *EventResolver) Revenue() string {
	return r.ev.Revenue
}

func (r *EventResolver) Category() string {
	return r.ev.Category
}

func (r *EventResolver) BannerImage() string {
	return r.ev.BannerImage
}

func (r *EventResolver) TransactionHash() string {
	return r.ev.TransactionHash
}

func (r *EventResolver) CreatedAt() *string {
	return optionalTime(r.ev.CreatedAt)
}

func (r *EventResolver) TicketTypes(ctx context.Context) ([]*TicketTypeResolver, error) {
	types, err := r.svc.ListTicketTypes(ctx, &r.ev.EventID)
	if err != nil {
		return nil, err
	}
	return ticketTypeResolvers(types), nil
}

type EventPageResolver struct {
	items []*EventResolver
	total int64
}

func (r *EventPageResolver) Items() []*EventResolver {
	return r.items
}

func (r *EventPageResolver) Total() int32 {
	return toInt32(uint64(r.total))
}

// TicketTypeResolver 票种解析器
type TicketTypeResolver struct {
	tt *model.TicketType
}

func (r *TicketTypeResolver) TokenID() graphql.ID {
	return formatID(r.tt.TokenID)
}

func (r *TicketTypeResolver) EventID() graphql.ID {
	return formatID(r.tt.EventID)
}

func (r *TicketTypeResolver) Name() string {
	return r.tt.Name
}

func (r *TicketTypeResolver) Price() string {
	return r.tt.Price
}

func (r *TicketTypeResolver) MaxSupply() int32 {
	return toInt32(r.tt.MaxSupply)
}

func (r *TicketTypeResolver) CurrentSupply() int32 {
	return toInt32(r.tt.CurrentSupply)
}

func (r *TicketTypeResolver) RemainingSupply() int32 {
	return toInt32(r.tt.RemainingSupply())
}

func (r *TicketTypeResolver) StartSaleTime() string {
	return formatTime(r.tt.StartSaleTime)
}

func (r *TicketTypeResolver) EndSaleTime() string {
	return formatTime(r.tt.EndSaleTime)
}

func (r *TicketTypeResolver) IsActive() bool {
	return r.tt.IsActive
}

func (r *TicketTypeResolver) TransactionHash() string {
	return r.tt.TransactionHash
}

func (r *TicketTypeResolver) Revenue() (string, error) {
	p, ok := new(big.Int).SetString(r.tt.Price, 10)
	if !ok {
		return "", fmt.Errorf("票种 %d 价格格式错误: %q", r.tt.TokenID, r.tt.Price)
	}
	return p.Mul(p, new(big.Int).SetUint64(r.tt.CurrentSupply)).String(), nil
}

// TicketResolver 门票解析器
type TicketResolver struct {
	t *model.Ticket
}

func (r *TicketResolver) ID() graphql.ID {
	return graphql.ID(r.t.ID)
}

func (r *TicketResolver) EventID() graphql.ID {
	return formatID(r.t.EventID)
}

func (r *TicketResolver) TicketTypeID() graphql.ID {
	return formatID(r.t.TicketTypeID)
}

func (r *TicketResolver) Owner() string {
	return r.t.Owner
}

func (r *TicketResolver) TicketTypeName() string {
	return r.t.TicketTypeName
}

func (r *TicketResolver) Price() string {
	return r.t.Price
}

func (r *TicketResolver) TransactionHash() string {
	return r.t.TransactionHash
}

func (r *TicketResolver) IsUsed() bool {
	return r.t.IsUsed
}

func (r *TicketResolver) CheckedInAt() *string {
	return optionalTime(r.t.CheckedInAt)
}

func (r *TicketResolver) CheckedInBy() *string {
	if r.t.CheckedInBy == "" {
		return nil
	}
	return &r.t.CheckedInBy
}

type TicketPageResolver struct {
	items []*TicketResolver
	total int64
}

func (r *TicketPageResolver) Items() []*TicketResolver {
	return r.items
}

func (r *TicketPageResolver) Total() int32 {
	return toInt32(uint64(r.total))
}

// TransactionResolver 交易记录解析器
type TransactionResolver struct {
	tx *model.Transaction
}

func (r *TransactionResolver) TransactionHash() string {
	return r.tx.TransactionHash
}

func (r *TransactionResolver) Type() string {
	return string(r.tx.Type)
}

func (r *TransactionResolver) From() string {
	return r.tx.From
}

func (r *TransactionResolver) To() string {
	return r.tx.To
}

func (r *TransactionResolver) EventID() graphql.ID {
	return formatID(r.tx.EventID)
}

func (r *TransactionResolver) TicketTypeID() graphql.ID {
	return formatID(r.tx.TicketTypeID)
}

func (r *TransactionResolver) TokenID() string {
	return r.tx.TokenID
}

func (r *TransactionResolver) Amount() string {
	return r.tx.Amount
}

func (r *TransactionResolver) Quantity() int32 {
	return toInt32(r.tx.Quantity)
}

func (r *TransactionResolver) Status() string {
	return string(r.tx.Status)
}

func (r *TransactionResolver) BlockNumber() string {
	return strconv.FormatUint(r.tx.BlockNumber, 10)
}

// VerificationResolver 验票结果解析器
type VerificationResolver struct {
	v *service.Verification
}

func (r *VerificationResolver) Valid() bool {
	return r.v.Valid
}

func (r *VerificationResolver) Balance() int32 {
	return toInt32(r.v.Balance)
}

func (r *VerificationResolver) Reason() *string {
	if r.v.Reason == "" {
		return nil
	}
	return &r.v.Reason
}

func (r *VerificationResolver) Ticket() *TicketResolver {
	return &TicketResolver{t: r.v.Ticket}
}
