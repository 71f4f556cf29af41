// Package bigtransfer 示例策略：盯大额原生转账。
// pending 交易流和 execution payload 流都能喂给它。
package bigtransfer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"mevflow.com/internal/collector/fiber"
	"mevflow.com/internal/engine"
	"mevflow.com/pkg/logger"
)

// Alert 发给下游的动作载荷
type Alert struct {
	TxHash      string `json:"tx_hash"`
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	ValueETH    string `json:"value_eth"`
	Source      string `json:"source"` // tx / payload
	BlockNumber uint64 `json:"block_number,omitempty"`
}

type Strategy struct {
	threshold decimal.Decimal // 单位 ETH
	signer    types.Signer
}

var _ engine.Strategy[fiber.Event, Alert] = (*Strategy)(nil)

// New thresholdETH 为告警阈值（ETH），chainID 用于恢复发送方地址
func New(thresholdETH decimal.Decimal, chainID *big.Int) *Strategy {
	return &Strategy{
		threshold: thresholdETH,
		signer:    types.LatestSignerForChainID(chainID),
	}
}

func (s *Strategy) Name() string { return "bigtransfer" }

func (s *Strategy) ProcessEvent(ctx context.Context, ev fiber.Event) []Alert {
	switch ev.Kind {
	case fiber.KindTransaction:
		if a := s.check(ctx, ev.Tx, "tx", 0); a != nil {
			return []Alert{*a}
		}
		return nil

	case fiber.KindExecutionPayload:
		var out []Alert
		num := ev.Payload.NumberU64()
		for _, tx := range ev.Payload.Transactions() {
			if a := s.check(ctx, tx, "payload", num); a != nil {
				out = append(out, *a)
			}
		}
		return out

	default:
		return nil
	}
}

func (s *Strategy) check(ctx context.Context, tx *types.Transaction, source string, blockNum uint64) *Alert {
	// 只看原生转账：有收款方且带 value
	if tx == nil || tx.To() == nil || tx.Value().Sign() <= 0 {
		return nil
	}

	value := weiToDecimal(tx.Value(), 18)
	if value.Cmp(s.threshold) < 0 {
		return nil
	}

	a := &Alert{
		TxHash:      tx.Hash().Hex(),
		To:          tx.To().Hex(),
		ValueETH:    value.String(),
		Source:      source,
		BlockNumber: blockNum,
	}

	// 恢复不了发送方就空着，不影响告警本身
	if from, err := types.Sender(s.signer, tx); err == nil {
		a.From = from.Hex()
	} else {
		logger.Warn(ctx, "failed to recover sender",
			zap.String("txHash", a.TxHash),
			zap.Error(err))
	}

	return a
}

// 精度处理: Wei(18位) -> Decimal
func weiToDecimal(wei *big.Int, decimals int32) decimal.Decimal {
	d := decimal.NewFromBigInt(wei, 0)
	return d.Shift(-decimals)
}
