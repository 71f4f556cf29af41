package engine

import (
	"context"
	"errors"
)

// Collector 事件采集器：对接某一路外部实时数据源。
// EventStream 每次调用都开一条全新的底层订阅，返回惰性、无界、不可重启的事件通道：
// 底层订阅结束时通道关闭，想继续就再调一次。
type Collector[E any] interface {
	Name() string
	EventStream(ctx context.Context) (<-chan E, error)
}

// Strategy 策略：消费事件，产出 0..n 个待执行动作
type Strategy[E, A any] interface {
	Name() string
	ProcessEvent(ctx context.Context, ev E) []A
}

// Executor 执行器：真正把动作落地（发交易/发告警/推消息）
type Executor[A any] interface {
	Name() string
	Execute(ctx context.Context, action A) error
}

var (
	ErrNoCollector = errors.New("engine: no collector registered")
	ErrEngineBusy  = errors.New("engine busy: event bus full")
)
