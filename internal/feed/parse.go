package feed

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/segmentio/encoding/json"
)

var framePool = sync.Pool{
	New: func() any {
		return &frame{}
	},
}

// parseFrame 解析一帧并回调 fn。帧对象池化复用，fn 返回后不得继续持有 *frame。
func parseFrame(b []byte, fn func(*frame) error) error {
	f := framePool.Get().(*frame)
	*f = frame{} // 清空，避免残留字段
	defer framePool.Put(f)

	if err := json.Unmarshal(b, f); err != nil {
		return err
	}
	if f.Type == "" {
		return errors.New("frame missing type")
	}
	return fn(f)
}

// decodeTxFrame 把数据帧还原成 TransactionMsg：
// raw 是 EIP-2718 编码的交易字节（hex），sender 是节点恢复好的发送方
func decodeTxFrame(f *frame) (TransactionMsg, error) {
	raw, err := hexutil.Decode(f.Raw)
	if err != nil {
		return TransactionMsg{}, err
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return TransactionMsg{}, err
	}

	return TransactionMsg{
		Tx:     tx,
		Sender: common.HexToAddress(f.Sender),
	}, nil
}

// decodePayloadFrame 把数据帧还原成完整区块（RLP 编码，含全部交易）
func decodePayloadFrame(f *frame) (*types.Block, error) {
	raw, err := hexutil.Decode(f.Raw)
	if err != nil {
		return nil, err
	}

	block := new(types.Block)
	if err := rlp.DecodeBytes(raw, block); err != nil {
		return nil, err
	}
	return block, nil
}
