package fiber

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"mevflow.com/internal/feed"
	"mevflow.com/pkg/logger"
	"mevflow.com/pkg/xerr"
)

func init() {
	logger.Log = zap.NewNop()
}

// ---------- 会话替身 ----------

type fakeSession struct {
	txMsgs    []feed.TransactionMsg
	blocks    []*types.Block
	subCount  int // 开过多少条订阅
	closed    bool
	keepOpen  bool // true 时发完数据不关通道
	subErr    error
}

func (f *fakeSession) SubscribeNewTxs(ctx context.Context, _ *feed.Filter) (<-chan feed.TransactionMsg, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subCount++
	ch := make(chan feed.TransactionMsg)
	go func() {
		for _, m := range f.txMsgs {
			ch <- m
		}
		if !f.keepOpen {
			close(ch)
		}
	}()
	return ch, nil
}

func (f *fakeSession) SubscribeNewExecutionPayloads(ctx context.Context) (<-chan *types.Block, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subCount++
	ch := make(chan *types.Block)
	go func() {
		for _, b := range f.blocks {
			ch <- b
		}
		if !f.keepOpen {
			close(ch)
		}
	}()
	return ch, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func legacyTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

func headerBlock(num int64) *types.Block {
	return types.NewBlockWithHeader(&types.Header{Number: big.NewInt(num)})
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "stream closed early")
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out, got %d/%d events", len(out), n)
		}
	}
	return out
}

// ---------- 映射属性 ----------

func TestEventStream_Transactions_IdentityAndOrder(t *testing.T) {
	a, b, c := legacyTx(1), legacyTx(2), legacyTx(3)
	sess := &fakeSession{txMsgs: []feed.TransactionMsg{
		{Tx: a}, {Tx: b}, {Tx: c},
	}}
	col := &Collector{client: sess, ty: StreamTypeTransactions}

	stream, err := col.EventStream(context.Background())
	require.NoError(t, err)

	evs := collect(t, stream, 3)
	// 逐条 1:1，保序，内层交易原样（指针同一）
	assert.Same(t, a, evs[0].Tx)
	assert.Same(t, b, evs[1].Tx)
	assert.Same(t, c, evs[2].Tx)
	for _, ev := range evs {
		assert.Equal(t, KindTransaction, ev.Kind)
		assert.Nil(t, ev.Payload)
	}

	// 源发完后流耗尽（通道关闭），不产出额外条目
	_, ok := <-stream
	assert.False(t, ok)
}

func TestEventStream_ExecutionPayloads_Passthrough(t *testing.T) {
	b1, b2 := headerBlock(100), headerBlock(101)
	sess := &fakeSession{blocks: []*types.Block{b1, b2}}
	col := &Collector{client: sess, ty: StreamTypeExecutionPayloads}

	stream, err := col.EventStream(context.Background())
	require.NoError(t, err)

	evs := collect(t, stream, 2)
	assert.Same(t, b1, evs[0].Payload)
	assert.Same(t, b2, evs[1].Payload)
	for _, ev := range evs {
		assert.Equal(t, KindExecutionPayload, ev.Kind)
		assert.Nil(t, ev.Tx)
	}
}

func TestEventStream_SingleVariant(t *testing.T) {
	// 固定 selector 的实例整个生命周期只会产出同一个变体
	sess := &fakeSession{txMsgs: []feed.TransactionMsg{{Tx: legacyTx(1)}, {Tx: legacyTx(2)}}}
	col := &Collector{client: sess, ty: StreamTypeTransactions}

	stream, err := col.EventStream(context.Background())
	require.NoError(t, err)
	for _, ev := range collect(t, stream, 2) {
		assert.Equal(t, KindTransaction, ev.Kind)
	}
}

func TestEventStream_NotRestartable_NewSubscriptionPerCall(t *testing.T) {
	sess := &fakeSession{}
	col := &Collector{client: sess, ty: StreamTypeTransactions}

	_, err := col.EventStream(context.Background())
	require.NoError(t, err)
	_, err = col.EventStream(context.Background())
	require.NoError(t, err)

	// 每次调用都开全新订阅
	assert.Equal(t, 2, sess.subCount)
}

func TestEventStream_CtxCancelStopsStream(t *testing.T) {
	sess := &fakeSession{txMsgs: []feed.TransactionMsg{{Tx: legacyTx(1)}}, keepOpen: true}
	col := &Collector{client: sess, ty: StreamTypeTransactions}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := col.EventStream(ctx)
	require.NoError(t, err)

	collect(t, stream, 1)
	cancel()

	select {
	case _, ok := <-stream:
		assert.False(t, ok, "stream should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after ctx cancel")
	}
}

func TestEventStream_SubscribeError(t *testing.T) {
	sess := &fakeSession{subErr: errors.New("boom")}
	col := &Collector{client: sess, ty: StreamTypeTransactions}

	_, err := col.EventStream(context.Background())
	assert.Error(t, err)
}

// ---------- 构造 / 换接入点 ----------

func TestNew_ConnectFailure_NoCollector(t *testing.T) {
	dialErr := xerr.NewErrCode(xerr.ConnectFailed)
	col, err := New(context.Background(), "key", StreamTypeTransactions,
		withConnect(func(ctx context.Context, endpoint, apiKey string) (sessionClient, error) {
			return nil, dialErr
		}))

	assert.Nil(t, col)
	assert.True(t, xerr.IsCode(err, xerr.ConnectFailed))
}

func TestNew_DefaultEndpointAndKey(t *testing.T) {
	var gotEndpoint, gotKey string
	sess := &fakeSession{}
	col, err := New(context.Background(), "my-key", StreamTypeTransactions,
		withConnect(func(ctx context.Context, endpoint, apiKey string) (sessionClient, error) {
			gotEndpoint, gotKey = endpoint, apiKey
			return sess, nil
		}))

	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, gotEndpoint)
	assert.Equal(t, "my-key", gotKey)
	assert.Equal(t, "fiber:transactions", col.Name())
}

func TestSetEndpoint_Repoint(t *testing.T) {
	old := &fakeSession{}
	next := &fakeSession{}
	var endpoints []string

	col, err := New(context.Background(), "key", StreamTypeTransactions,
		withConnect(func(ctx context.Context, endpoint, apiKey string) (sessionClient, error) {
			endpoints = append(endpoints, endpoint)
			if len(endpoints) == 1 {
				return old, nil
			}
			return next, nil
		}))
	require.NoError(t, err)

	require.NoError(t, col.SetEndpoint(context.Background(), "fiber.example.org:8080"))

	// 旧会话被丢弃，新订阅走新接入点的会话
	assert.True(t, old.closed)
	assert.Equal(t, []string{DefaultEndpoint, "fiber.example.org:8080"}, endpoints)
	assert.Equal(t, "fiber.example.org:8080", col.Endpoint())

	_, err = col.EventStream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, next.subCount)
	assert.Equal(t, 0, old.subCount)
}

func TestSetEndpoint_FailureLeavesNoSession(t *testing.T) {
	old := &fakeSession{}
	col, err := New(context.Background(), "key", StreamTypeTransactions,
		withConnect(func(ctx context.Context, endpoint, apiKey string) (sessionClient, error) {
			if endpoint == DefaultEndpoint {
				return old, nil
			}
			return nil, xerr.NewErrCode(xerr.ConnectFailed)
		}))
	require.NoError(t, err)

	err = col.SetEndpoint(context.Background(), "dead.example.org:1")
	assert.True(t, xerr.IsCode(err, xerr.ConnectFailed))
	assert.True(t, old.closed)

	// 失败后不持有半初始化会话：开流直接报 NotConnected
	_, err = col.EventStream(context.Background())
	assert.True(t, xerr.IsCode(err, xerr.NotConnected))
}
