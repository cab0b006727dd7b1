// Package kafkaconsumer consumes link invalidation events and drops the
// affected user's cached results.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/invalidation"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
)

// HotCache is the in-process cache the consumer clears alongside the store.
type HotCache interface {
	DropUser(appUserID string)
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	results store.ResultStore
	mem     HotCache
}

func New(cfg Config, logger *slog.Logger, results store.ResultStore, mem HotCache) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger, results: results, mem: mem}
}

// Start consumes invalidation events until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.results == nil {
		return errors.New("kafkaconsumer: missing result store")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err,
					"topic", c.cfg.Topic, "group", c.cfg.GroupID)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single invalidation event message.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error("invalidation decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return fmt.Errorf("json decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		c.logger.Error("invalidation event invalid",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		// a malformed event will never become valid, skip it
		return nil
	}

	if err := c.results.ClearUserResults(ctx, ev.AppUserID); err != nil {
		c.logger.Error("invalidation clear failed",
			"app_user", ev.AppUserID, "op", ev.Op, "err", err)
		return fmt.Errorf("clear results: %w", err)
	}
	if c.mem != nil {
		c.mem.DropUser(ev.AppUserID)
	}

	c.logger.Info("invalidated user caches",
		"app_user", ev.AppUserID, "op", ev.Op, "source", ev.Source)
	return nil
}
