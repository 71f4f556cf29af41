package gateway

import (
	"context"

	"github.com/nats-io/nats.go"
)

// topic 直接用 NATS subject 形式（点分层级，如 actions.bigtransfer）
type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topic, payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 8192)

	subs := make([]*nats.Subscription, 0, len(topics))
	for _, t := range topics {
		sub, err := b.nc.Subscribe(t, func(m *nats.Msg) {
			msg := Message{Topic: m.Subject, Payload: m.Data}
			// at-most-once：慢消费者直接丢，避免把 NATS 回调卡死
			select {
			case out <- msg:
			default:
			}
		})
		if err != nil {
			for _, ss := range subs {
				_ = ss.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		close(out)
	}()

	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		b.nc.Drain()
		b.nc.Close()
	}
	return nil
}
