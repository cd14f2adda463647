package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

func TestDecodeTicketPurchasedLog(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	ev := contractABI.Events["TicketPurchased"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(3), mustBig(t, "10000000000000000"))
	require.NoError(t, err)

	buyer := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	lg := types.Log{
		Address: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(7)),
			common.BigToHash(big.NewInt(1)),
			common.BytesToHash(buyer.Bytes()),
		},
		Data:        data,
		BlockNumber: 120,
		TxHash:      common.HexToHash("0x01"),
		Index:       4,
	}

	got, err := decodeLog(contractABI, lg)
	require.NoError(t, err)
	assert.Equal(t, model.KindTicketPurchased, got.Kind)
	assert.Equal(t, uint64(7), got.TokenID)
	assert.Equal(t, uint64(1), got.EventID)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got.Account)
	assert.Equal(t, uint64(3), got.Amount)
	assert.Equal(t, "10000000000000000", got.Price.String())
	assert.Equal(t, uint64(120), got.BlockNumber)
	assert.Equal(t, uint(4), got.LogIndex)
	assert.Equal(t, "0x5fbdb2315678afecb367f032d93f642f64180aa3", got.Contract)
}

func TestDecodeEventCreatedLog(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	ev := contractABI.Events["EventCreated"]
	data, err := ev.Inputs.NonIndexed().Pack("Devcon", big.NewInt(1700000000), big.NewInt(1700086400))
	require.NoError(t, err)

	organizer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	got, err := decodeLog(contractABI, types.Log{
		Topics: []common.Hash{ev.ID, common.BigToHash(big.NewInt(42)), common.BytesToHash(organizer.Bytes())},
		Data:   data,
	})
	require.NoError(t, err)
	assert.Equal(t, model.KindEventCreated, got.Kind)
	assert.Equal(t, uint64(42), got.EventID)
	assert.Equal(t, "Devcon", got.Name)
	assert.Equal(t, int64(1700000000), got.StartTime)
	assert.Equal(t, int64(1700086400), got.EndTime)
}

func TestDecodeUnknownTopic(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	_, err = decodeLog(contractABI, types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.Error(t, err)

	_, err = decodeLog(contractABI, types.Log{})
	assert.Error(t, err)
}

func TestTopicsForFiltersIndexedArgs(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	tokenID := uint64(9)
	topics, err := topicsFor(contractABI, LogQuery{Kind: model.KindTicketPurchased, TokenID: &tokenID})
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, contractABI.Events["TicketPurchased"].ID, topics[0][0])
	assert.Equal(t, common.BigToHash(big.NewInt(9)), topics[1][0])

	eventID := uint64(2)
	topics, err = topicsFor(contractABI, LogQuery{Kind: model.KindTicketTypeCreated, EventID: &eventID})
	require.NoError(t, err)
	require.Len(t, topics, 3)
	assert.Nil(t, topics[1])
	assert.Equal(t, common.BigToHash(big.NewInt(2)), topics[2][0])

	_, err = topicsFor(contractABI, LogQuery{Kind: "Transfer"})
	assert.Error(t, err)
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}

func TestDecodeEventZeroID(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	organizer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	packed, err := contractABI.Methods["getEvent"].Outputs.Pack(eventTuple{
		EventId:          big.NewInt(0),
		Name:             "Opening Night",
		Description:      "first event on the contract",
		StartTime:        big.NewInt(1700000000),
		EndTime:          big.NewInt(1700086400),
		Organizer:        organizer,
		IsActive:         false,
		CreatedAt:        big.NewInt(1690000000),
		TotalTicketsSold: big.NewInt(3),
		Revenue:          mustBig(t, "30000000000000000"),
	})
	require.NoError(t, err)
	out, err := contractABI.Methods["getEvent"].Outputs.Unpack(packed)
	require.NoError(t, err)

	got, err := decodeEvent(0, out[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.EventID)
	assert.Equal(t, "first event on the contract", got.Description)
	assert.False(t, got.IsActive)
	assert.Equal(t, int64(1690000000), got.CreatedAt.Unix())
	assert.Equal(t, uint64(3), got.TotalTicketsSold)
	assert.Equal(t, "30000000000000000", got.Revenue.String())
}

func TestDecodeEventMissing(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	packed, err := contractABI.Methods["getEvent"].Outputs.Pack(eventTuple{
		EventId: big.NewInt(0), StartTime: big.NewInt(0), EndTime: big.NewInt(0),
		CreatedAt: big.NewInt(0), TotalTicketsSold: big.NewInt(0), Revenue: big.NewInt(0),
	})
	require.NoError(t, err)
	out, err := contractABI.Methods["getEvent"].Outputs.Unpack(packed)
	require.NoError(t, err)

	_, err = decodeEvent(4, out[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeTicketTypeZeroID(t *testing.T) {
	contractABI, err := parseABI()
	require.NoError(t, err)

	method := contractABI.Methods["getTicketType"]
	packed, err := method.Outputs.Pack(ticketTypeTuple{
		TokenId:       big.NewInt(0),
		EventId:       big.NewInt(0),
		Name:          "VIP",
		Price:         mustBig(t, "10000000000000000"),
		MaxSupply:     big.NewInt(100),
		StartSaleTime: big.NewInt(1700000000),
		EndSaleTime:   big.NewInt(1700086400),
		IsActive:      false,
	})
	require.NoError(t, err)
	out, err := method.Outputs.Unpack(packed)
	require.NoError(t, err)

	got, err := decodeTicketType(0, out[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.TokenID)
	assert.Equal(t, uint64(100), got.MaxSupply)
	assert.Equal(t, int64(1700000000), got.StartSaleTime.Unix())
	assert.False(t, got.IsActive)

	packed, err = method.Outputs.Pack(ticketTypeTuple{
		TokenId: big.NewInt(0), EventId: big.NewInt(0), Price: big.NewInt(0), MaxSupply: big.NewInt(0),
		StartSaleTime: big.NewInt(0), EndSaleTime: big.NewInt(0),
	})
	require.NoError(t, err)
	out, err = method.Outputs.Unpack(packed)
	require.NoError(t, err)
	_, err = decodeTicketType(9, out[0])
	assert.ErrorIs(t, err, ErrNotFound)
}
