package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"yuim/libs/core-push-go/pkg/push"
)

// Consumer feeds the chapter-release topic into a Handler (CLUSTERING, so
// each release is handled by one gateway node).
type Consumer struct {
	cfg push.RocketMQSettings
	h   *Handler
	log *zap.Logger
	c   rmq.PushConsumer
}

func NewConsumer(cfg push.RocketMQSettings, h *Handler, log *zap.Logger) (*Consumer, error) {
	if cfg.NameServer == "" {
		return nil, fmt.Errorf("rocketmq name-server: %w", push.ErrNotConfigured)
	}
	if cfg.Consumer.Group == "" || cfg.Consumer.Topic == "" {
		return nil, fmt.Errorf("rocketmq consumer.group/topic: %w", push.ErrNotConfigured)
	}
	opts := []consumer.Option{
		consumer.WithNameServer([]string{cfg.NameServer}),
		consumer.WithGroupName(cfg.Consumer.Group),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
	}
	if cfg.Producer.AccessKey != "" || cfg.Producer.SecretKey != "" {
		opts = append(opts, consumer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.Producer.AccessKey,
			SecretKey: cfg.Producer.SecretKey,
		}))
	}
	c, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{cfg: cfg, h: h, log: log, c: c}, nil
}

func (c *Consumer) Start() error {
	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if c.cfg.Consumer.Tag != "" {
		selector.Expression = c.cfg.Consumer.Tag
	}
	if err := c.c.Subscribe(c.cfg.Consumer.Topic, selector, c.consume); err != nil {
		return err
	}
	if err := c.c.Start(); err != nil {
		return err
	}
	c.log.Info("chapter consumer started",
		zap.String("topic", c.cfg.Consumer.Topic), zap.String("group", c.cfg.Consumer.Group))
	return nil
}

func (c *Consumer) Shutdown() error { return c.c.Shutdown() }

func (c *Consumer) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	return consumeBatch(ctx, c.h, c.log, msgs)
}

// consumeBatch drops bad and duplicate messages. A publish failure (fan-out
// queue full) asks the broker to redeliver the batch later; releases already
// published from it are then caught by dedupe. A release without an event_id
// is keyed by its broker message id, which survives redelivery.
func consumeBatch(ctx context.Context, h *Handler, log *zap.Logger, msgs []*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, m := range msgs {
		rel, err := decodeRelease(m.Body)
		if err == nil {
			if key := deliveryKey(m); strings.TrimSpace(rel.EventID) == "" && key != "" {
				rel.EventID = "mq:" + key
			}
			_, err = h.Ingest(ctx, rel)
		}
		switch {
		case err == nil, errors.Is(err, ErrDuplicate):
		case errors.Is(err, ErrInvalidRelease):
			log.Warn("chapter release dropped", zap.String("msg_id", m.MsgId), zap.Error(err))
		default:
			log.Warn("chapter release retry later", zap.String("msg_id", m.MsgId), zap.Error(err))
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}

// deliveryKey is the producer-assigned unique id, which a retry copy keeps.
func deliveryKey(m *primitive.MessageExt) string {
	if k := m.GetProperty(primitive.PropertyUniqueClientMessageIdKeyIndex); k != "" {
		return k
	}
	return m.MsgId
}
