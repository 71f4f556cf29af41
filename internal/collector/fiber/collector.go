// Package fiber 把 Fiber 式低延迟链上数据流适配成引擎的 Collector。
// 一个 Collector 实例固定订阅一类流（pending 交易 或 execution payload），
// 把 feed 下发的条目 1:1、保序地映射成统一的 Event。
package fiber

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"mevflow.com/internal/engine"
	"mevflow.com/internal/feed"
	"mevflow.com/pkg/logger"
	"mevflow.com/pkg/safe"
	"mevflow.com/pkg/xerr"
)

// DefaultEndpoint 默认接入点，host:port
const DefaultEndpoint = "beta.fiberapi.io:8080"

// StreamType 订阅哪一类流，构造时定死，之后不可变
type StreamType uint8

const (
	// StreamTypeTransactions 新 pending 交易流
	StreamTypeTransactions StreamType = iota + 1
	// StreamTypeExecutionPayloads 新 execution payload（含全部交易的完整区块）流
	StreamTypeExecutionPayloads
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeTransactions:
		return "transactions"
	case StreamTypeExecutionPayloads:
		return "execution_payloads"
	default:
		return "unknown"
	}
}

// EventKind Event 的变体标签
type EventKind uint8

const (
	KindTransaction EventKind = iota + 1
	KindExecutionPayload
)

// Event 是 collector 产出的统一事件，两个变体按 Kind 区分。
// 不变式：一个 Collector 实例只会产出与其 StreamType 对应的那一个变体。
type Event struct {
	Kind EventKind

	// KindTransaction: 解码后的交易本体（feed 记录的内层交易）
	Tx *types.Transaction
	// KindExecutionPayload: 完整区块，原样透传
	Payload *types.Block
}

// KindName metrics 标签用
func KindName(ev Event) string {
	switch ev.Kind {
	case KindTransaction:
		return "tx"
	case KindExecutionPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// sessionClient 是 collector 对会话层的最小依赖，方便测试替身
type sessionClient interface {
	SubscribeNewTxs(ctx context.Context, filter *feed.Filter) (<-chan feed.TransactionMsg, error)
	SubscribeNewExecutionPayloads(ctx context.Context) (<-chan *types.Block, error)
	Close() error
}

type connectFunc func(ctx context.Context, endpoint, apiKey string) (sessionClient, error)

func feedConnect(ctx context.Context, endpoint, apiKey string) (sessionClient, error) {
	return feed.Connect(ctx, endpoint, apiKey)
}

// Collector 持有一条 feed 会话和固定的流类型选择。
// 会话独占：只有 New / SetEndpoint 会换掉它，不能和进行中的订阅并发换。
type Collector struct {
	mu       sync.Mutex
	client   sessionClient
	endpoint string

	apiKey  string
	ty      StreamType
	connect connectFunc
}

var _ engine.Collector[Event] = (*Collector)(nil)

// Option New 的可选参数
type Option func(*Collector)

// WithEndpoint 覆盖默认接入点（host:port）
func WithEndpoint(endpoint string) Option {
	return func(c *Collector) { c.endpoint = endpoint }
}

// withConnect 测试用：换掉会话建立函数
func withConnect(fn connectFunc) Option {
	return func(c *Collector) { c.connect = fn }
}

// New 连上 feed 并返回可用的 collector。
// 失败即失败：连不上或 key 被拒返回带码错误，不产生半初始化实例。
func New(ctx context.Context, apiKey string, ty StreamType, opts ...Option) (*Collector, error) {
	c := &Collector{
		endpoint: DefaultEndpoint,
		apiKey:   apiKey,
		ty:       ty,
		connect:  feedConnect,
	}
	for _, opt := range opts {
		opt(c)
	}

	client, err := c.connect(ctx, c.endpoint, apiKey)
	if err != nil {
		return nil, err
	}
	c.client = client

	logger.Info(ctx, "fiber collector ready",
		zap.String("endpoint", c.endpoint),
		zap.String("stream", ty.String()),
	)
	return c, nil
}

// Name 实现 engine.Collector
func (c *Collector) Name() string { return "fiber:" + c.ty.String() }

// Endpoint 当前会话指向的接入点
func (c *Collector) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// SetEndpoint 整体换会话：丢弃旧会话，用已持有的 key 连新接入点。
// 失败时不持有任何会话（旧的已经关了），此后 EventStream 返回 NotConnected，
// 直到下一次 SetEndpoint 成功。进行中的订阅会随旧会话关闭而耗尽。
func (c *Collector) SetEndpoint(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	client, err := c.connect(ctx, endpoint, c.apiKey)
	if err != nil {
		return err
	}
	c.client = client
	c.endpoint = endpoint

	logger.Info(ctx, "fiber collector repointed", zap.String("endpoint", endpoint))
	return nil
}

// EventStream 开一条全新的底层订阅，返回惰性、无界、不可重启的事件通道。
// 映射逐条进行，不缓冲不重排：
//
//	transactions        -> Event{Kind: KindTransaction, Tx: 内层交易}
//	execution_payloads  -> Event{Kind: KindExecutionPayload, Payload: 区块原样}
//
// 底层订阅结束时通道关闭（静默耗尽，不上抛错误）；取消靠 ctx。
func (c *Collector) EventStream(ctx context.Context) (<-chan Event, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil, xerr.NewErrCode(xerr.NotConnected)
	}

	switch c.ty {
	case StreamTypeTransactions:
		txs, err := client.SubscribeNewTxs(ctx, nil)
		if err != nil {
			return nil, err
		}
		out := make(chan Event) // 无缓冲：不在订阅之外再加缓冲
		safe.GoCtx(ctx, func(ctx context.Context) {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-txs:
					if !ok {
						return
					}
					select {
					case out <- Event{Kind: KindTransaction, Tx: msg.Tx}:
					case <-ctx.Done():
						return
					}
				}
			}
		})
		return out, nil

	case StreamTypeExecutionPayloads:
		blocks, err := client.SubscribeNewExecutionPayloads(ctx)
		if err != nil {
			return nil, err
		}
		out := make(chan Event)
		safe.GoCtx(ctx, func(ctx context.Context) {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case block, ok := <-blocks:
					if !ok {
						return
					}
					select {
					case out <- Event{Kind: KindExecutionPayload, Payload: block}:
					case <-ctx.Done():
						return
					}
				}
			}
		})
		return out, nil

	default:
		return nil, xerr.New(xerr.ServerCommonError, "unknown stream type")
	}
}

// Close 关闭当前会话（如果有）
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
