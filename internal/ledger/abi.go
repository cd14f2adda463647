package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

// TicketNFTABI 票务合约中本服务用到的方法与事件
const TicketNFTABI = `[
  {"type":"event","name":"EventCreated","anonymous":false,"inputs":[
    {"name":"eventId","type":"uint256","indexed":true},
    {"name":"name","type":"string","indexed":false},
    {"name":"organizer","type":"address","indexed":true},
    {"name":"startTime","type":"uint256","indexed":false},
    {"name":"endTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"TicketTypeCreated","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"eventId","type":"uint256","indexed":true},
    {"name":"name","type":"string","indexed":false},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"maxSupply","type":"uint256","indexed":false}]},
  {"type":"event","name":"TicketPurchased","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"eventId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"TicketCheckedIn","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"eventId","type":"uint256","indexed":true},
    {"name":"holder","type":"address","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"function","name":"getEvent","stateMutability":"view",
    "inputs":[{"name":"eventId","type":"uint256"}],
    "outputs":[{"name":"","type":"tuple","components":[
      {"name":"eventId","type":"uint256"},
      {"name":"name","type":"string"},
      {"name":"description","type":"string"},
      {"name":"startTime","type":"uint256"},
      {"name":"endTime","type":"uint256"},
      {"name":"organizer","type":"address"},
      {"name":"isActive","type":"bool"},
      {"name":"createdAt","type":"uint256"},
      {"name":"totalTicketsSold","type":"uint256"},
      {"name":"revenue","type":"uint256"}]}]},
  {"type":"function","name":"getTicketType","stateMutability":"view",
    "inputs":[{"name":"tokenId","type":"uint256"}],
    "outputs":[{"name":"","type":"tuple","components":[
      {"name":"tokenId","type":"uint256"},
      {"name":"eventId","type":"uint256"},
      {"name":"name","type":"string"},
      {"name":"price","type":"uint256"},
      {"name":"maxSupply","type":"uint256"},
      {"name":"startSaleTime","type":"uint256"},
      {"name":"endSaleTime","type":"uint256"},
      {"name":"isActive","type":"bool"}]}]},
  {"type":"function","name":"getEventTicketTypes","stateMutability":"view",
    "inputs":[{"name":"eventId","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view",
    "inputs":[{"name":"id","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
    "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]}
]`

// eventTuple 与 getEvent 返回的结构体字段一一对应
type eventTuple struct {
	EventId          *big.Int
	Name             string
	Description      string
	StartTime        *big.Int
	EndTime          *big.Int
	Organizer        common.Address
	IsActive         bool
	CreatedAt        *big.Int
	TotalTicketsSold *big.Int
	Revenue          *big.Int
}

type ticketTypeTuple struct {
	TokenId       *big.Int
	EventId       *big.Int
	Name          string
	Price         *big.Int
	MaxSupply     *big.Int
	StartSaleTime *big.Int
	EndSaleTime   *big.Int
	IsActive      bool
}

// decodeEvent 转换 getEvent 的返回值。编号从0开始，未创建的活动以零地址组织者识别
func decodeEvent(eventID uint64, raw interface{}) (*model.EventAggregate, error) {
	t := *abi.ConvertType(raw, new(eventTuple)).(*eventTuple)
	if t.Organizer == (common.Address{}) {
		return nil, fmt.Errorf("活动 %d: %w", eventID, ErrNotFound)
	}

	sold, err := toUint64(t.TotalTicketsSold, "totalTicketsSold")
	if err != nil {
		return nil, err
	}
	revenue := t.Revenue
	if revenue == nil {
		revenue = new(big.Int)
	}
	return &model.EventAggregate{
		EventID:          eventID,
		Name:             t.Name,
		Description:      t.Description,
		Organizer:        strings.ToLower(t.Organizer.Hex()),
		StartTime:        unixTime(t.StartTime),
		EndTime:          unixTime(t.EndTime),
		IsActive:         t.IsActive,
		CreatedAt:        unixTime(t.CreatedAt),
		TotalTicketsSold: sold,
		Revenue:          revenue,
	}, nil
}

// decodeTicketType 转换 getTicketType 的返回值，maxSupply 为0表示票种不存在
func decodeTicketType(tokenID uint64, raw interface{}) (*model.TicketTypeAggregate, error) {
	t := *abi.ConvertType(raw, new(ticketTypeTuple)).(*ticketTypeTuple)
	if t.MaxSupply == nil || t.MaxSupply.Sign() == 0 {
		return nil, fmt.Errorf("票种 %d: %w", tokenID, ErrNotFound)
	}

	eventID, err := toUint64(t.EventId, "eventId")
	if err != nil {
		return nil, err
	}
	maxSupply, err := toUint64(t.MaxSupply, "maxSupply")
	if err != nil {
		return nil, err
	}
	return &model.TicketTypeAggregate{
		TokenID:       tokenID,
		EventID:       eventID,
		Name:          t.Name,
		Price:         t.Price,
		MaxSupply:     maxSupply,
		StartSaleTime: unixTime(t.StartSaleTime),
		EndSaleTime:   unixTime(t.EndSaleTime),
		IsActive:      t.IsActive,
	}, nil
}

func parseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(TicketNFTABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析合约ABI失败: %w", err)
	}
	return parsed, nil
}

// topicsFor 构造日志过滤条件，按索引参数名匹配 tokenId / eventId
func topicsFor(contractABI abi.ABI, q LogQuery) ([][]common.Hash, error) {
	ev, ok := contractABI.Events[string(q.Kind)]
	if !ok {
		return nil, fmt.Errorf("未知事件类型: %s", q.Kind)
	}
	topics := [][]common.Hash{{ev.ID}}
	for _, arg := range ev.Inputs {
		if !arg.Indexed {
			continue
		}
		var want *uint64
		switch arg.Name {
		case "tokenId":
			want = q.TokenID
		case "eventId":
			want = q.EventID
		}
		if want == nil {
			topics = append(topics, nil)
			continue
		}
		topics = append(topics, []common.Hash{common.BigToHash(new(big.Int).SetUint64(*want))})
	}
	for len(topics) > 1 && topics[len(topics)-1] == nil {
		topics = topics[:len(topics)-1]
	}
	return topics, nil
}

// decodeLog 将原始日志解码为 LedgerEvent
func decodeLog(contractABI abi.ABI, lg types.Log) (*model.LedgerEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("日志缺少topic: tx=%s", lg.TxHash.Hex())
	}
	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("无法识别的事件: %w", err)
	}

	fields := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := contractABI.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("解码事件数据失败: %w", err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("解码事件topic失败: %w", err)
	}

	out := &model.LedgerEvent{
		Kind:        model.EventKind(ev.Name),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Contract:    strings.ToLower(lg.Address.Hex()),
	}
	d := fieldDecoder{fields: fields}
	out.EventID = d.u64("eventId")
	switch out.Kind {
	case model.KindEventCreated:
		out.Name = d.str("name")
		out.Account = d.addr("organizer")
		out.StartTime = int64(d.u64("startTime"))
		out.EndTime = int64(d.u64("endTime"))
	case model.KindTicketTypeCreated:
		out.TokenID = d.u64("tokenId")
		out.Name = d.str("name")
		out.Price = d.bigInt("price")
		out.MaxSupply = d.u64("maxSupply")
	case model.KindTicketPurchased:
		out.TokenID = d.u64("tokenId")
		out.Account = d.addr("buyer")
		out.Amount = d.u64("amount")
		out.Price = d.bigInt("price")
	case model.KindTicketCheckedIn:
		out.TokenID = d.u64("tokenId")
		out.Account = d.addr("holder")
		out.Timestamp = int64(d.u64("timestamp"))
	}
	if d.err != nil {
		return nil, fmt.Errorf("解码 %s 失败 tx=%s: %w", ev.Name, out.TxHash, d.err)
	}
	return out, nil
}

// fieldDecoder 记录第一个解码错误
type fieldDecoder struct {
	fields map[string]interface{}
	err    error
}

func (d *fieldDecoder) bigInt(name string) *big.Int {
	v, ok := d.fields[name].(*big.Int)
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("字段 %s 缺失或类型错误", name)
		}
		return new(big.Int)
	}
	return v
}

func (d *fieldDecoder) u64(name string) uint64 {
	v := d.bigInt(name)
	if !v.IsUint64() {
		if d.err == nil {
			d.err = fmt.Errorf("字段 %s 超出uint64范围: %s", name, v)
		}
		return 0
	}
	return v.Uint64()
}

func (d *fieldDecoder) str(name string) string {
	v, ok := d.fields[name].(string)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("字段 %s 缺失或类型错误", name)
	}
	return v
}

func (d *fieldDecoder) addr(name string) string {
	v, ok := d.fields[name].(common.Address)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("字段 %s 缺失或类型错误", name)
	}
	return strings.ToLower(v.Hex())
}

func toUint64(v *big.Int, name string) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s 超出uint64范围: %s", name, v)
	}
	return v.Uint64(), nil
}
