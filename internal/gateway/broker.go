package gateway

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 动作/告警的下游投递抽象。
// 投递语义是 at-most-once：慢消费者直接丢，不能让执行链路被下游卡死。
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
