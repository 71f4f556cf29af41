// Package publisher 执行器：把动作序列化后丢到 broker topic，
// 真正的下游（通知/下单服务）订阅 topic 自己消费。
package publisher

import (
	"context"

	"github.com/segmentio/encoding/json"
	"mevflow.com/internal/gateway"
)

type Executor[A any] struct {
	name   string
	topic  string
	broker gateway.Broker
}

func New[A any](name, topic string, b gateway.Broker) *Executor[A] {
	return &Executor[A]{name: name, topic: topic, broker: b}
}

func (e *Executor[A]) Name() string { return e.name }

func (e *Executor[A]) Execute(ctx context.Context, action A) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return err
	}
	return e.broker.Publish(ctx, e.topic, payload)
}
