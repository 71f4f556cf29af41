package feed

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"mevflow.com/pkg/logger"
	"mevflow.com/pkg/safe"
	"mevflow.com/pkg/xerr"
)

// Client 是对 feed 节点的一条已认证会话。
// 一个 Client 只持有一条 websocket 连接；订阅可以有多条，由单一读循环按 sub id 分发。
// 连接断开后 Client 不会自动重连，所有订阅通道关闭，由上层决定是否重建会话。
type Client struct {
	endpoint string
	apiKey   string

	ReadLimit int64
	PongWait  time.Duration
	WriteWait time.Duration
	AckWait   time.Duration
	Dialer    *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[uint64]*subscription
	pending map[uint64]chan error // 等待 sub_ok/sub_err 的订阅请求
	nextID  uint64
	closed  bool
}

type subscription struct {
	id     uint64
	stream string

	txCh    chan TransactionMsg
	blockCh chan *types.Block

	done     chan struct{}
	doneOnce sync.Once
}

// cancel 只关 done，不动数据通道（数据通道只能由读循环关闭，避免并发 close/send）
func (s *subscription) cancel() {
	s.doneOnce.Do(func() { close(s.done) })
}

func newSubscription(id uint64, stream string) *subscription {
	s := &subscription{id: id, stream: stream, done: make(chan struct{})}
	// 无缓冲：不在 feed 已有缓冲之外再加一层，慢消费会直接顶住读循环
	switch stream {
	case StreamNewTxs:
		s.txCh = make(chan TransactionMsg)
	case StreamNewExecutionPayloads:
		s.blockCh = make(chan *types.Block)
	}
	return s
}

// Connect 建立并认证一条会话。失败即失败：拨号不通或 key 被拒都返回带码错误，不产生半初始化的 Client。
func Connect(ctx context.Context, endpoint, apiKey string) (*Client, error) {
	c := &Client{
		endpoint:  endpoint,
		apiKey:    apiKey,
		ReadLimit: 1 << 24, // 整块 payload 可能很大
		PongWait:  60 * time.Second,
		WriteWait: 2 * time.Second,
		AckWait:   5 * time.Second,
		Dialer:    websocket.DefaultDialer,
		subs:      make(map[uint64]*subscription),
		pending:   make(map[uint64]chan error),
	}

	u := url.URL{Scheme: "ws", Host: endpoint, Path: "/ws"}
	conn, _, err := c.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.ConnectFailed, err)
	}
	conn.SetReadLimit(c.ReadLimit)
	c.conn = conn

	// 认证：发 auth 帧，同步等第一帧回执
	if err := c.writeJSON(request{Method: "auth", APIKey: apiKey}); err != nil {
		_ = conn.Close()
		return nil, xerr.Wrap(xerr.ConnectFailed, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.AckWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, xerr.Wrap(xerr.ConnectFailed, err)
	}

	var authErr error
	if err := parseFrame(msg, func(f *frame) error {
		switch f.Type {
		case "auth_ok":
			return nil
		case "auth_err":
			authErr = xerr.New(xerr.AuthRejected, xerr.MapErrMsg(xerr.AuthRejected)+": "+f.Msg)
			return nil
		default:
			authErr = xerr.NewErrCode(xerr.ConnectFailed)
			return nil
		}
	}); err != nil {
		_ = conn.Close()
		return nil, xerr.Wrap(xerr.ConnectFailed, err)
	}
	if authErr != nil {
		_ = conn.Close()
		return nil, authErr
	}

	// 心跳：服务端 ping -> 回 pong 并顺延读超时
	_ = conn.SetReadDeadline(time.Now().Add(c.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.PongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.PongWait))
		b := []byte(appData)
		cp := make([]byte, len(b))
		copy(cp, b)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.WriteWait))
		return conn.WriteControl(websocket.PongMessage, cp, time.Now().Add(c.WriteWait))
	})

	safe.Go(c.readLoop)

	logger.Info(ctx, "feed session established", zap.String("endpoint", endpoint))
	return c, nil
}

// Endpoint 当前会话指向的节点
func (c *Client) Endpoint() string { return c.endpoint }

// SubscribeNewTxs 订阅新 pending 交易流。filter 为 nil 表示全量。
// 每次调用开一条全新订阅；返回的通道在会话断开时关闭，不会自动重开。
func (c *Client) SubscribeNewTxs(ctx context.Context, filter *Filter) (<-chan TransactionMsg, error) {
	sub, err := c.subscribe(ctx, StreamNewTxs, filter)
	if err != nil {
		return nil, err
	}
	return sub.txCh, nil
}

// SubscribeNewExecutionPayloads 订阅新 execution payload（含全部交易的完整区块）流。
func (c *Client) SubscribeNewExecutionPayloads(ctx context.Context) (<-chan *types.Block, error) {
	sub, err := c.subscribe(ctx, StreamNewExecutionPayloads, nil)
	if err != nil {
		return nil, err
	}
	return sub.blockCh, nil
}

func (c *Client) subscribe(ctx context.Context, stream string, filter *Filter) (*subscription, error) {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, xerr.NewErrCode(xerr.NotConnected)
	}
	c.nextID++
	id := c.nextID
	sub := newSubscription(id, stream)
	ack := make(chan error, 1)
	// 先注册再发请求，避免丢掉回执和最早的数据帧
	c.subs[id] = sub
	c.pending[id] = ack
	c.mu.Unlock()

	fail := func() {
		c.mu.Lock()
		delete(c.subs, id)
		delete(c.pending, id)
		c.mu.Unlock()
		sub.cancel()
	}

	if err := c.writeJSON(request{Method: "subscribe", ID: id, Stream: stream, Filter: filter}); err != nil {
		fail()
		return nil, xerr.Wrap(xerr.SubscribeFailed, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			fail()
			return nil, err
		}
	case <-ctx.Done():
		fail()
		return nil, ctx.Err()
	case <-time.After(c.AckWait):
		fail()
		return nil, xerr.NewErrCode(xerr.SubscribeFailed)
	}

	// 消费方不要了就取消订阅，读循环不再往它的通道投递
	safe.GoCtx(ctx, func(ctx context.Context) {
		select {
		case <-ctx.Done():
			c.unsubscribe(sub)
		case <-sub.done:
		}
	})

	return sub, nil
}

func (c *Client) unsubscribe(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	c.mu.Unlock()
	sub.cancel()
	// 尽力通知服务端，失败也无所谓，连接层面很快会被发现
	_ = c.writeJSON(request{Method: "unsubscribe", ID: sub.id})
}

// Close 关闭会话。所有订阅通道随之关闭。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	for _, sub := range c.subs {
		sub.cancel() // 解除读循环可能卡住的投递
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop 单一读循环：按帧类型分发。
// 任何读错误都视为会话终结：回执全部失败、数据通道全部关闭。
func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		if err := parseFrame(msg, c.handleFrame); err != nil {
			// 单帧坏了不致命，跳过继续读
			logger.Warn(context.Background(), "feed frame parse failed", zap.Error(err))
		}
	}
}

func (c *Client) handleFrame(f *frame) error {
	switch f.Type {
	case "sub_ok", "sub_err":
		c.mu.Lock()
		ack, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			return nil
		}
		if f.Type == "sub_err" {
			c.mu.Lock()
			delete(c.subs, f.ID)
			c.mu.Unlock()
			ack <- xerr.New(xerr.SubscribeFailed, xerr.MapErrMsg(xerr.SubscribeFailed)+": "+f.Msg)
		} else {
			ack <- nil
		}
		return nil

	case "tx":
		c.mu.Lock()
		sub := c.subs[f.ID]
		c.mu.Unlock()
		if sub == nil || sub.txCh == nil {
			return nil // 已取消的订阅，丢弃
		}
		msg, err := decodeTxFrame(f)
		if err != nil {
			return err
		}
		select {
		case sub.txCh <- msg:
		case <-sub.done:
		}
		return nil

	case "payload":
		c.mu.Lock()
		sub := c.subs[f.ID]
		c.mu.Unlock()
		if sub == nil || sub.blockCh == nil {
			return nil
		}
		block, err := decodePayloadFrame(f)
		if err != nil {
			return err
		}
		select {
		case sub.blockCh <- block:
		case <-sub.done:
		}
		return nil

	default:
		return nil // 未知帧类型，向前兼容直接忽略
	}
}

// failAll 会话终结：读循环退出前的收尾（只会被读循环调用一次）
func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	pending := c.pending
	c.subs = map[uint64]*subscription{}
	c.pending = map[uint64]chan error{}
	c.mu.Unlock()

	for _, ack := range pending {
		ack <- xerr.Wrap(xerr.SubscribeFailed, err)
	}
	for _, sub := range subs {
		sub.cancel()
		// 此时读循环已不再投递，关闭数据通道让消费方看到流结束
		if sub.txCh != nil {
			close(sub.txCh)
		}
		if sub.blockCh != nil {
			close(sub.blockCh)
		}
	}

	logger.Warn(context.Background(), "feed session ended",
		zap.String("endpoint", c.endpoint),
		zap.Error(err),
	)
}

func (c *Client) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.conn
	if conn == nil {
		return xerr.NewErrCode(xerr.NotConnected)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
