package engine

import (
	"context"
	"sync/atomic"
)

// Bus 采集器和策略之间的有界事件总线。
// 下游（策略）可能慢，热路径只用 TryPublish（非阻塞，满了计数丢弃）。
type Bus[T any] struct {
	ch      chan T
	dropped uint64
}

func NewBus[T any](size int) *Bus[T] {
	if size <= 0 {
		size = 1 << 16
	}
	return &Bus[T]{ch: make(chan T, size)}
}

func (b *Bus[T]) TryPublish(ev T) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		atomic.AddUint64(&b.dropped, 1)
		return false
	}
}

func (b *Bus[T]) C() <-chan T { return b.ch }

func (b *Bus[T]) Dropped() uint64 { return atomic.LoadUint64(&b.dropped) }

// Publish 阻塞投递，非热路径用（回放/测试）
func (b *Bus[T]) Publish(ctx context.Context, ev T) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
