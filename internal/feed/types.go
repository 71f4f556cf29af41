package feed

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// 订阅的两类流
const (
	StreamNewTxs               = "new_txs"
	StreamNewExecutionPayloads = "new_execution_payloads"
)

// Filter 交易订阅的服务端过滤条件（可选，nil 表示全量）
type Filter struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// TransactionMsg 是 feed 下发的一条交易记录：
// 解码后的交易本体 + 节点侧恢复好的发送方地址
type TransactionMsg struct {
	Tx     *types.Transaction
	Sender common.Address
}

// request 客户端 -> 服务端的控制帧
type request struct {
	Method string  `json:"method"` // auth / subscribe / unsubscribe
	APIKey string  `json:"api_key,omitempty"`
	ID     uint64  `json:"id,omitempty"`
	Stream string  `json:"stream,omitempty"`
	Filter *Filter `json:"filter,omitempty"`
}

// frame 服务端 -> 客户端的帧（控制帧和数据帧共用一个结构，按 Type 区分）
type frame struct {
	Type string `json:"type"` // auth_ok / auth_err / sub_ok / sub_err / tx / payload
	ID   uint64 `json:"id,omitempty"`
	Msg  string `json:"msg,omitempty"`

	// 数据帧字段：raw 为 hex 编码的交易(EIP-2718)或区块(RLP)字节
	Sender string `json:"sender,omitempty"`
	Raw    string `json:"raw,omitempty"`
}
