package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/libs/core-push-go/pkg/push"
)

// RocketMQProducer mirrors emitted events to a topic so downstream services
// (recommendations, activity feeds) can consume them without touching the
// realtime path.
type RocketMQProducer struct {
	cfg push.RocketMQSettings
	p   rmq.Producer
}

func checkSettings(cfg push.RocketMQSettings) error {
	required := [...]struct{ name, val string }{
		{"name-server", cfg.NameServer},
		{"producer.group", cfg.Producer.Group},
		{"topic", cfg.Topic},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("rocketmq %s: %w", r.name, push.ErrNotConfigured)
		}
	}
	return nil
}

func NewRocketMQ(cfg push.RocketMQSettings) (*RocketMQProducer, error) {
	if err := checkSettings(cfg); err != nil {
		return nil, err
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Producer.Group),
		producer.WithRetry(2),
	}
	if cfg.Producer.AccessKey != "" || cfg.Producer.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.Producer.AccessKey,
			SecretKey: cfg.Producer.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg, p: prd}, nil
}

// Publish sends evt keyed by its topic so events for one manga land on the
// same queue and keep their relative order.
func (r *RocketMQProducer) Publish(ctx context.Context, evt event.Event) error {
	m, err := NewMessage(r.cfg, evt)
	if err != nil {
		return err
	}
	res, err := r.p.SendSync(ctx, m)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq send event %d: status %d", evt.ID, res.Status)
	}
	return nil
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}

// NewMessage builds the MQ message for evt.
func NewMessage(cfg push.RocketMQSettings, evt event.Event) (*primitive.Message, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(cfg.Topic, b)
	if cfg.Tag != "" {
		m.WithTag(cfg.Tag)
	} else {
		m.WithTag(string(evt.Kind))
	}
	m.WithKeys([]string{evt.Topic.String()})
	m.WithShardingKey(evt.Topic.String())
	m.WithProperty("event_id", strconv.FormatUint(evt.ID, 10))
	return m, nil
}
