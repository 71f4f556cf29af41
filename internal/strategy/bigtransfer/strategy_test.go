package bigtransfer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"mevflow.com/internal/collector/fiber"
	"mevflow.com/pkg/logger"
)

func init() {
	logger.Log = zap.NewNop()
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func transferTx(t *testing.T, value *big.Int) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1e9),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)
	return signed, from
}

func TestProcessEvent_TxAboveThreshold(t *testing.T) {
	s := New(decimal.NewFromInt(100), big.NewInt(1))
	tx, from := transferTx(t, eth(150))

	alerts := s.ProcessEvent(context.Background(), fiber.Event{Kind: fiber.KindTransaction, Tx: tx})

	require.Len(t, alerts, 1)
	assert.Equal(t, tx.Hash().Hex(), alerts[0].TxHash)
	assert.Equal(t, from.Hex(), alerts[0].From)
	assert.Equal(t, "150", alerts[0].ValueETH)
	assert.Equal(t, "tx", alerts[0].Source)
}

func TestProcessEvent_TxBelowThreshold(t *testing.T) {
	s := New(decimal.NewFromInt(100), big.NewInt(1))
	tx, _ := transferTx(t, eth(1))

	alerts := s.ProcessEvent(context.Background(), fiber.Event{Kind: fiber.KindTransaction, Tx: tx})
	assert.Empty(t, alerts)
}

func TestProcessEvent_PayloadScansAllTxs(t *testing.T) {
	s := New(decimal.NewFromInt(100), big.NewInt(1))
	big1, _ := transferTx(t, eth(500))
	small, _ := transferTx(t, eth(2))
	big2, _ := transferTx(t, eth(101))

	header := &types.Header{Number: big.NewInt(42), Difficulty: big.NewInt(0)}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{
		Transactions: []*types.Transaction{big1, small, big2},
	})

	alerts := s.ProcessEvent(context.Background(), fiber.Event{Kind: fiber.KindExecutionPayload, Payload: block})

	require.Len(t, alerts, 2)
	assert.Equal(t, big1.Hash().Hex(), alerts[0].TxHash)
	assert.Equal(t, big2.Hash().Hex(), alerts[1].TxHash)
	for _, a := range alerts {
		assert.Equal(t, "payload", a.Source)
		assert.Equal(t, uint64(42), a.BlockNumber)
	}
}

func TestProcessEvent_IgnoresContractCreation(t *testing.T) {
	s := New(decimal.NewFromInt(100), big.NewInt(1))

	// 没有收款方（合约创建）不算转账
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       nil,
		Value:    eth(200),
		Gas:      100000,
		GasPrice: big.NewInt(1e9),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)

	alerts := s.ProcessEvent(context.Background(), fiber.Event{Kind: fiber.KindTransaction, Tx: signed})
	assert.Empty(t, alerts)
}
