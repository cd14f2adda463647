package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// EthReader 基于 JSON-RPC 的账本读取器
type EthReader struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	contractABI  abi.ABI
	address      common.Address
	wsURL        string
	timeout      time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *zap.Logger
}

var _ Reader = (*EthReader)(nil)

func NewEthReader(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (*EthReader, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("合约地址无效: %s", cfg.ContractAddress)
	}
	contractABI, err := parseABI()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, unavailable("连接账本节点", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = cfg.RPCURL
	}

	return &EthReader{
		client:       client,
		contract:     bind.NewBoundContract(address, contractABI, client, client, client),
		contractABI:  contractABI,
		address:      address,
		wsURL:        wsURL,
		timeout:      cfg.RequestTimeout,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		logger:       logger.Named("ledger"),
	}, nil
}

// call 调用只读方法，超时与节点错误统一包装为 ErrUnavailable
func (r *EthReader) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, unavailable(method, err)
	}
	if len(out) == 0 {
		return nil, unavailable(method, errors.New("空返回"))
	}
	return out, nil
}

func (r *EthReader) GetEvent(ctx context.Context, eventID uint64) (*model.EventAggregate, error) {
	out, err := r.call(ctx, "getEvent", new(big.Int).SetUint64(eventID))
	if err != nil {
		return nil, err
	}
	return decodeEvent(eventID, out[0])
}

func (r *EthReader) GetTicketType(ctx context.Context, tokenID uint64) (*model.TicketTypeAggregate, error) {
	out, err := r.call(ctx, "getTicketType", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return nil, err
	}
	return decodeTicketType(tokenID, out[0])
}

func (r *EthReader) GetEventTicketTypes(ctx context.Context, eventID uint64) ([]uint64, error) {
	out, err := r.call(ctx, "getEventTicketTypes", new(big.Int).SetUint64(eventID))
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		id, err := toUint64(v, "tokenId")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *EthReader) GetMintedCount(ctx context.Context, tokenID uint64) (uint64, error) {
	out, err := r.call(ctx, "totalSupply", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return 0, err
	}
	return toUint64(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int), "totalSupply")
}

func (r *EthReader) GetBalance(ctx context.Context, owner string, tokenID uint64) (uint64, error) {
	if !common.IsHexAddress(owner) {
		return 0, fmt.Errorf("地址无效: %s", owner)
	}
	out, err := r.call(ctx, "balanceOf", common.HexToAddress(owner), new(big.Int).SetUint64(tokenID))
	if err != nil {
		return 0, err
	}
	return toUint64(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int), "balanceOf")
}

func (r *EthReader) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, unavailable("获取最新区块", err)
	}
	return n, nil
}

// QueryLog 按事件类型与区块区间查询历史日志，结果按账本顺序返回
func (r *EthReader) QueryLog(ctx context.Context, q LogQuery) ([]*model.LedgerEvent, error) {
	topics, err := topicsFor(r.contractABI, q)
	if err != nil {
		return nil, err
	}
	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		Addresses: []common.Address{r.address},
		Topics:    topics,
	}
	if q.ToBlock != nil {
		filter.ToBlock = new(big.Int).SetUint64(*q.ToBlock)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	logs, err := r.client.FilterLogs(ctx, filter)
	if err != nil {
		return nil, unavailable("查询日志", err)
	}

	events := make([]*model.LedgerEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := decodeLog(r.contractABI, lg)
		if err != nil {
			r.logger.Warn("跳过无法解码的日志",
				zap.String("tx", lg.TxHash.Hex()),
				zap.Uint64("block", lg.BlockNumber),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	model.SortLedgerEvents(events)
	return events, nil
}

// Subscribe 订阅实时日志，断线后按指数退避重连，每次断线都通过 onErr 上报 ErrUnavailable
func (r *EthReader) Subscribe(ctx context.Context, kinds []model.EventKind, handler Handler, onErr ErrorHandler) error {
	ids := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		ev, ok := r.contractABI.Events[string(kind)]
		if !ok {
			return fmt.Errorf("未知事件类型: %s", kind)
		}
		ids = append(ids, ev.ID)
	}
	filter := ethereum.FilterQuery{
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{ids},
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.reconnectMin
	b.MaxInterval = r.reconnectMax
	b.MaxElapsedTime = 0

	op := func() error {
		err := r.subscribeOnce(ctx, filter, handler, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return unavailable("订阅日志", err)
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("日志订阅断开，准备重连", zap.Duration("backoff", wait), zap.Error(err))
		if onErr != nil {
			onErr(err)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *EthReader) subscribeOnce(ctx context.Context, filter ethereum.FilterQuery, handler Handler, b backoff.BackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	client, err := ethclient.DialContext(dialCtx, r.wsURL)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	logs := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, filter, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	b.Reset()
	r.logger.Info("日志订阅已建立", zap.String("contract", r.address.Hex()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("订阅被关闭")
			}
			return err
		case lg := <-logs:
			if lg.Removed {
				r.logger.Warn("收到回滚日志，已忽略，等待对账修复",
					zap.String("tx", lg.TxHash.Hex()),
					zap.Uint64("block", lg.BlockNumber))
				continue
			}
			ev, err := decodeLog(r.contractABI, lg)
			if err != nil {
				r.logger.Warn("跳过无法解码的日志", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
				continue
			}
			handler(ev)
		}
	}
}

func (r *EthReader) Close() {
	r.client.Close()
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(v.Int64(), 0).UTC()
}
