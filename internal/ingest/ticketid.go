package ingest

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ticketNamespace = uuid.MustParse("4b1f3c2e-8d7a-5e6f-9a0b-1c2d3e4f5a6b")

// TicketID 由交易哈希与批内序号确定性地生成门票编号，重放得到相同编号
func TicketID(txHash string, index uint64) string {
	name := strings.ToLower(txHash) + ":" + strconv.FormatUint(index, 10)
	return uuid.NewSHA1(ticketNamespace, []byte(name)).String()
}
