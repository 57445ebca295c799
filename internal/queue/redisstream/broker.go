// Package redisstream backs the pipeline broker with Redis Streams.
//
// Each logical topic is sharded into a fixed number of streams named
// <topic>:<partition>. A message's partition comes from hashing its key, so
// all attempts for one URL stay on one stream. Consumers own a static set of
// partitions, which keeps per-partition ordering without a group rebalance
// protocol. Entries are never trimmed; stream length minus a per-group ack
// counter gives Kafka-style backlog accounting.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/queue"
)

const (
	defaultClaimIdle = 30 * time.Second
	defaultBlock     = 5 * time.Second
	idleWake         = 50 * time.Millisecond
)

// Config carries connection and delivery settings for the broker.
type Config struct {
	Addr       string
	Password   string
	DB         int
	Partitions int
	// ClaimIdle is how long a delivered entry may sit unacknowledged
	// before another consumer in the group may claim it.
	ClaimIdle time.Duration
	// Block bounds each blocking read so claim checks run periodically.
	Block time.Duration
}

// Broker implements pipeline.Broker on Redis Streams.
type Broker struct {
	client     *redis.Client
	partitions int
	claimIdle  time.Duration
	block      time.Duration
	log        *zap.Logger

	mu     sync.Mutex
	groups map[string]struct{}
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Broker, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = defaultClaimIdle
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &Broker{
		client:     client,
		partitions: cfg.Partitions,
		claimIdle:  cfg.ClaimIdle,
		block:      cfg.Block,
		log:        log,
		groups:     make(map[string]struct{}),
	}, nil
}

// Publish appends value to the stream selected by hashing key.
func (b *Broker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	p := queue.PartitionFor(key, b.partitions)
	stream := streamName(topic, p)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"key": key, "value": value},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Consume blocks until an entry is available on one of the subscription's
// partitions. Stalled entries from dead consumers are claimed ahead of
// fresh ones so a crashed worker's task is not stuck behind the backlog.
func (b *Broker) Consume(ctx context.Context, sub pipeline.Subscription) (pipeline.Delivery, error) {
	owned := sub.Partitions
	if owned == nil {
		owned = allPartitions(b.partitions)
	}
	if len(owned) == 0 {
		return pipeline.Delivery{}, errors.New("redisstream: subscription owns no partitions")
	}

	streams := make([]string, 0, 2*len(owned))
	for _, p := range owned {
		streams = append(streams, streamName(sub.Topic, p))
	}
	for range owned {
		streams = append(streams, ">")
	}
	byStream := make(map[string]int, len(owned))
	for i, p := range owned {
		byStream[streams[i]] = p
	}

	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Delivery{}, fmt.Errorf("consume canceled: %w", err)
		}
		for _, p := range owned {
			stream := streamName(sub.Topic, p)
			if err := b.ensureGroup(ctx, stream, sub.Group); err != nil {
				return pipeline.Delivery{}, err
			}
			msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    sub.Group,
				Consumer: sub.Consumer,
				MinIdle:  b.claimIdle,
				Start:    "0-0",
				Count:    1,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return pipeline.Delivery{}, fmt.Errorf("xautoclaim %s: %w", stream, err)
			}
			if len(msgs) > 0 {
				b.log.Debug("claimed stalled delivery",
					zap.String("stream", stream),
					zap.String("group", sub.Group),
					zap.String("id", msgs[0].ID))
				return delivery(p, msgs[0]), nil
			}
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.Group,
			Consumer: sub.Consumer,
			Streams:  streams,
			Count:    1,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Block expired with nothing new. Pause briefly in case
				// the server answered without honoring the block.
				select {
				case <-ctx.Done():
					return pipeline.Delivery{}, fmt.Errorf("consume canceled: %w", ctx.Err())
				case <-time.After(idleWake):
				}
				continue
			}
			if ctx.Err() != nil {
				return pipeline.Delivery{}, fmt.Errorf("consume canceled: %w", ctx.Err())
			}
			return pipeline.Delivery{}, fmt.Errorf("xreadgroup %s: %w", sub.Topic, err)
		}
		for _, xs := range res {
			if len(xs.Messages) == 0 {
				continue
			}
			return delivery(byStream[xs.Stream], xs.Messages[0]), nil
		}
	}
}

// Ack acknowledges the delivery and advances the group's ack counter. Acks
// are idempotent: a second ack of the same entry changes nothing.
func (b *Broker) Ack(ctx context.Context, sub pipeline.Subscription, d pipeline.Delivery) error {
	stream := streamName(sub.Topic, d.Partition)
	n, err := b.client.XAck(ctx, stream, sub.Group, d.ID).Result()
	if err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, d.ID, err)
	}
	if n == 1 {
		if err := b.client.Incr(ctx, ackKey(stream, sub.Group)).Err(); err != nil {
			return fmt.Errorf("incr ack counter %s: %w", stream, err)
		}
	}
	return nil
}

// PendingCount returns published-minus-acknowledged for the group, summed
// across the topic's streams. A group that never read still sees the whole
// log as pending, matching groups that start at entry zero.
func (b *Broker) PendingCount(ctx context.Context, topic string, group string) (int64, error) {
	var pending int64
	for p := 0; p < b.partitions; p++ {
		stream := streamName(topic, p)
		length, err := b.client.XLen(ctx, stream).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("xlen %s: %w", stream, err)
		}
		acked, err := b.client.Get(ctx, ackKey(stream, group)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("get ack counter %s: %w", stream, err)
		}
		pending += length - acked
	}
	return pending, nil
}

// Partitions returns the partition count shared by every topic.
func (b *Broker) Partitions(string) int {
	return b.partitions
}

// Close releases the Redis client.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group
	b.mu.Lock()
	_, done := b.groups[key]
	b.mu.Unlock()
	if done {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	b.mu.Lock()
	b.groups[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

func delivery(partition int, m redis.XMessage) pipeline.Delivery {
	d := pipeline.Delivery{ID: m.ID, Partition: partition}
	if k, ok := m.Values["key"].(string); ok {
		d.Key = k
	}
	if v, ok := m.Values["value"].(string); ok {
		d.Value = []byte(v)
	}
	return d
}

func streamName(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

func ackKey(stream, group string) string {
	return fmt.Sprintf("%s:acked:%s", stream, group)
}

func allPartitions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
