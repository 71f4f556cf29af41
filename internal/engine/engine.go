package engine

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"mevflow.com/pkg/logger"
	"mevflow.com/pkg/metrics"
)

// Engine 把三类组件接成一条流水线：
//
//	collectors --(Bus)--> strategies --(actionCh)--> executors
//
// 事件顺序保证：同一个 collector 的事件按产出顺序进总线，
// 策略分发是单协程串行的，所以策略看到的相对顺序与源一致。
type Engine[E, A any] struct {
	collectors []Collector[E]
	strategies []Strategy[E, A]
	executors  []Executor[A]

	// 总线/动作通道容量，0 取默认值
	BusSize   int
	ActionBuf int

	// 采集流结束后的重开退避（adapter 本身不重连，重开是引擎的事）
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// KindOf 给事件打 metrics 标签，不设置则统一 "event"
	KindOf func(E) string

	bus      *Bus[E]
	actionCh chan A
}

func New[E, A any]() *Engine[E, A] {
	return &Engine[E, A]{
		BusSize:     1 << 14,
		ActionBuf:   1024,
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (e *Engine[E, A]) AddCollector(c Collector[E]) { e.collectors = append(e.collectors, c) }
func (e *Engine[E, A]) AddStrategy(s Strategy[E, A]) { e.strategies = append(e.strategies, s) }
func (e *Engine[E, A]) AddExecutor(x Executor[A])   { e.executors = append(e.executors, x) }

// BusDropped 总线累计丢弃数（运行后有效）
func (e *Engine[E, A]) BusDropped() uint64 {
	if e.bus == nil {
		return 0
	}
	return e.bus.Dropped()
}

// Run 阻塞运行直到 ctx 取消。所有子协程退出后返回。
func (e *Engine[E, A]) Run(ctx context.Context) error {
	if len(e.collectors) == 0 {
		return ErrNoCollector
	}

	e.bus = NewBus[E](e.BusSize)
	e.actionCh = make(chan A, e.ActionBuf)

	g, ctx := errgroup.WithContext(ctx)

	for _, col := range e.collectors {
		col := col
		g.Go(func() error {
			e.runCollector(ctx, col)
			return nil
		})
	}

	g.Go(func() error {
		e.dispatch(ctx)
		return nil
	})

	g.Go(func() error {
		e.execute(ctx)
		return nil
	})

	return g.Wait()
}

// runCollector 拉一个 collector 的事件流灌进总线。
// 流结束（底层订阅断了）就带退避重开；EventStream 返回错误同样退避重试。
func (e *Engine[E, A]) runCollector(ctx context.Context, col Collector[E]) {
	backoff := e.BaseBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := col.EventStream(ctx)
		if err != nil {
			logger.Error(ctx, "open event stream failed",
				zap.String("collector", col.Name()),
				zap.Error(err),
			)
		} else {
			got := false
			for ev := range stream {
				got = true
				metrics.EventsReceivedTotal.WithLabelValues(col.Name(), e.kindOf(ev)).Inc()
				if !e.bus.TryPublish(ev) {
					metrics.BusDroppedTotal.WithLabelValues(col.Name()).Inc()
				}
			}
			if ctx.Err() != nil {
				return
			}
			// 流是静默耗尽的（adapter 不上抛错误），重开是这里的策略决定
			metrics.StreamReopenTotal.WithLabelValues(col.Name()).Inc()
			logger.Warn(ctx, "collector stream ended, reopening",
				zap.String("collector", col.Name()),
			)
			if got {
				backoff = e.BaseBackoff // 活跃过的流重开不必惩罚
			}
		}

		// 退避 + jitter，避免反复打同一个挂掉的节点
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if sleep > e.MaxBackoff {
			sleep = e.MaxBackoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > e.MaxBackoff {
			backoff = e.MaxBackoff
		}
	}
}

// dispatch 单协程串行跑策略，保持事件相对顺序
func (e *Engine[E, A]) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.bus.C():
			for _, s := range e.strategies {
				for _, a := range s.ProcessEvent(ctx, ev) {
					select {
					case e.actionCh <- a:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

// execute 每个动作按注册顺序交给全部执行器
func (e *Engine[E, A]) execute(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-e.actionCh:
			for _, x := range e.executors {
				if err := x.Execute(ctx, a); err != nil {
					metrics.ActionsExecutedTotal.WithLabelValues(x.Name(), "error").Inc()
					logger.Error(ctx, "execute action failed",
						zap.String("executor", x.Name()),
						zap.Error(err),
					)
					continue
				}
				metrics.ActionsExecutedTotal.WithLabelValues(x.Name(), "ok").Inc()
			}
		}
	}
}

func (e *Engine[E, A]) kindOf(ev E) string {
	if e.KindOf == nil {
		return "event"
	}
	return e.KindOf(ev)
}
