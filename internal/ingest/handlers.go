package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
)

const defaultCategory = "other"

func unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// onEventCreated 活动不存在时从账本读取完整聚合后插入
func (e *Engine) onEventCreated(ctx context.Context, ev *model.LedgerEvent) (Outcome, error) {
	if _, err := e.store.GetEvent(ctx, ev.EventID); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return OutcomeFailed, projectionErr(err)
	}

	doc := &model.Event{
		EventID:         ev.EventID,
		Name:            ev.Name,
		Organizer:       ev.Account,
		StartTime:       unix(ev.StartTime),
		EndTime:         unix(ev.EndTime),
		IsActive:        true,
		Revenue:         "0",
		Category:        defaultCategory,
		TransactionHash: ev.TxHash,
	}

	agg, err := e.ledger.GetEvent(ctx, ev.EventID)
	switch {
	case err == nil:
		doc.Description = agg.Description
		doc.IsActive = agg.IsActive
		createdAt := agg.CreatedAt
		doc.CreatedAt = &createdAt
	case errors.Is(err, ledger.ErrNotFound):
		e.logger.Warn("账本中查不到活动聚合，仅使用日志字段", eventFields(ev)...)
	default:
		return OutcomeFailed, err
	}

	rec := &model.Transaction{
		TransactionHash: ev.TxHash,
		Type:            model.TxEventCreation,
		From:            ev.Account,
		To:              ev.Contract,
		EventID:         ev.EventID,
		Amount:          "0",
		Status:          model.TxConfirmed,
		BlockNumber:     ev.BlockNumber,
	}
	if err := e.store.CreateEvent(ctx, doc, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, projectionErr(err)
	}

	e.logger.Info("活动已投影", eventFields(ev)...)
	return OutcomeApplied, nil
}

// onTicketTypeCreated 票种不存在时插入，供应量从0开始
func (e *Engine) onTicketTypeCreated(ctx context.Context, ev *model.LedgerEvent) (Outcome, error) {
	if _, err := e.store.GetTicketType(ctx, ev.TokenID); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return OutcomeFailed, projectionErr(err)
	}

	price := ev.Price
	if price == nil {
		price = new(big.Int)
	}
	doc := &model.TicketType{
		TokenID:         ev.TokenID,
		EventID:         ev.EventID,
		Name:            ev.Name,
		Price:           price.String(),
		MaxSupply:       ev.MaxSupply,
		IsActive:        true,
		TransactionHash: ev.TxHash,
		StartSaleTime:   unix(0),
		EndSaleTime:     unix(0),
	}

	agg, err := e.ledger.GetTicketType(ctx, ev.TokenID)
	switch {
	case err == nil:
		doc.StartSaleTime = agg.StartSaleTime
		doc.EndSaleTime = agg.EndSaleTime
		doc.IsActive = agg.IsActive
	case errors.Is(err, ledger.ErrNotFound):
		e.logger.Warn("账本中查不到票种聚合，仅使用日志字段", eventFields(ev)...)
	default:
		return OutcomeFailed, err
	}

	rec := &model.Transaction{
		TransactionHash: ev.TxHash,
		Type:            model.TxTicketTypeCreation,
		To:              ev.Contract,
		EventID:         ev.EventID,
		TicketTypeID:    ev.TokenID,
		TokenID:         strconv.FormatUint(ev.TokenID, 10),
		Amount:          "0",
		Status:          model.TxConfirmed,
		BlockNumber:     ev.BlockNumber,
	}
	if err := e.store.CreateTicketType(ctx, doc, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, projectionErr(err)
	}

	e.logger.Info("票种已投影", eventFields(ev)...)
	return OutcomeApplied, nil
}

// onTicketPurchased 交易哈希未记录时，原子地出票并递增供应量与活动汇总
func (e *Engine) onTicketPurchased(ctx context.Context, ev *model.LedgerEvent) (Outcome, error) {
	if _, err := e.store.GetTransaction(ctx, ev.TxHash); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return OutcomeFailed, projectionErr(err)
	}

	tt, err := e.store.GetTicketType(ctx, ev.TokenID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return OutcomeSkipped, fmt.Errorf("%w: %w", ErrUnknownReference, err)
		}
		return OutcomeFailed, projectionErr(err)
	}
	if ev.Amount == 0 {
		return OutcomeSkipped, nil
	}

	price := ev.Price
	if price == nil {
		var ok bool
		if price, ok = new(big.Int).SetString(tt.Price, 10); !ok {
			return OutcomeFailed, fmt.Errorf("票种 %d 价格格式错误: %q", tt.TokenID, tt.Price)
		}
	}
	revenue := new(big.Int).Mul(price, new(big.Int).SetUint64(ev.Amount))
	if ev.EventID != tt.EventID {
		e.logger.Warn("购买事件的活动与票种不一致，以事件为准",
			append(eventFields(ev), zap.Uint64("ticketTypeEventId", tt.EventID))...)
	}

	tickets := make([]*model.Ticket, 0, ev.Amount)
	for i := uint64(0); i < ev.Amount; i++ {
		tickets = append(tickets, &model.Ticket{
			ID:              TicketID(ev.TxHash, i),
			EventID:         ev.EventID,
			TicketTypeID:    ev.TokenID,
			Owner:           ev.Account,
			TicketTypeName:  tt.Name,
			Price:           price.String(),
			TransactionHash: ev.TxHash,
		})
	}

	err = e.store.ApplyPurchase(ctx, &repository.Purchase{
		Transaction: &model.Transaction{
			TransactionHash: ev.TxHash,
			Type:            model.TxPurchase,
			From:            ev.Account,
			To:              ev.Contract,
			EventID:         ev.EventID,
			TicketTypeID:    ev.TokenID,
			TokenID:         strconv.FormatUint(ev.TokenID, 10),
			Amount:          revenue.String(),
			Quantity:        ev.Amount,
			Status:          model.TxConfirmed,
			BlockNumber:     ev.BlockNumber,
		},
		Tickets:      tickets,
		EventID:      ev.EventID,
		TicketTypeID: ev.TokenID,
		Quantity:     ev.Amount,
		Revenue:      revenue.String(),
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicate):
		return OutcomeDuplicate, nil
	case errors.Is(err, repository.ErrNotFound):
		return OutcomeSkipped, fmt.Errorf("%w: %w", ErrUnknownReference, err)
	case errors.Is(err, repository.ErrSupplyExceeded):
		return OutcomeSkipped, err
	default:
		return OutcomeFailed, projectionErr(err)
	}

	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, ev.TokenID); err != nil {
			e.logger.Warn("失效供应量缓存失败", append(eventFields(ev), zap.Error(err))...)
		}
	}
	e.logger.Info("购买已投影", append(eventFields(ev), zap.Uint64("amount", ev.Amount))...)
	return OutcomeApplied, nil
}

// onTicketCheckedIn 核销持票人的一张未使用门票
func (e *Engine) onTicketCheckedIn(ctx context.Context, ev *model.LedgerEvent) (Outcome, error) {
	if _, err := e.store.GetTransaction(ctx, ev.TxHash); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return OutcomeFailed, projectionErr(err)
	}

	ticket, err := e.store.CheckIn(ctx, &repository.CheckIn{
		Transaction: &model.Transaction{
			TransactionHash: ev.TxHash,
			Type:            model.TxCheckIn,
			From:            ev.Account,
			To:              ev.Contract,
			EventID:         ev.EventID,
			TicketTypeID:    ev.TokenID,
			TokenID:         strconv.FormatUint(ev.TokenID, 10),
			Amount:          "0",
			Quantity:        1,
			Status:          model.TxConfirmed,
			BlockNumber:     ev.BlockNumber,
		},
		TicketTypeID: ev.TokenID,
		Holder:       ev.Account,
		CheckedInAt:  unix(ev.Timestamp),
		// 链上核销由持票人签名
		CheckedInBy: ev.Account,
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicate):
		return OutcomeDuplicate, nil
	case errors.Is(err, repository.ErrAlreadyUsed):
		e.logger.Info("持票人的门票已全部核销，忽略", eventFields(ev)...)
		return OutcomeDuplicate, nil
	case errors.Is(err, repository.ErrNotFound):
		return OutcomeSkipped, fmt.Errorf("%w: %w", ErrUnknownReference, err)
	default:
		return OutcomeFailed, projectionErr(err)
	}

	e.logger.Info("门票已核销", append(eventFields(ev), zap.String("ticketId", ticket.ID))...)
	return OutcomeApplied, nil
}
