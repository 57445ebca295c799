// Package memory provides a partitioned in-process broker for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/queue"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("memory: broker closed")

const (
	defaultClaimIdle = 30 * time.Second
	wakeInterval     = 50 * time.Millisecond
)

type entry struct {
	key   string
	value []byte
}

type inflight struct {
	deliveredAt time.Time
	consumer    string
}

// partitionState tracks one group's progress through one partition log.
type partitionState struct {
	cursor   int
	acked    int64
	inflight map[int]*inflight
}

type group struct {
	parts map[int]*partitionState
}

type topic struct {
	parts  [][]entry
	groups map[string]*group
}

// Broker is an in-memory pipeline.Broker with partitioned topics, consumer
// groups, and idle-claim redelivery. Messages delivered but not acknowledged
// within the claim-idle window are handed out again, which is how worker
// crashes are recovered without losing tasks.
type Broker struct {
	mu         sync.Mutex
	topics     map[string]*topic
	notify     chan struct{}
	partitions int
	claimIdle  time.Duration
	closed     bool
}

// New constructs a broker where every topic has the given partition count.
// claimIdle <= 0 selects the default redelivery window.
func New(partitions int, claimIdle time.Duration) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	if claimIdle <= 0 {
		claimIdle = defaultClaimIdle
	}
	return &Broker{
		topics:     make(map[string]*topic),
		notify:     make(chan struct{}),
		partitions: partitions,
		claimIdle:  claimIdle,
	}
}

// Publish appends value to the topic partition selected by key.
func (b *Broker) Publish(_ context.Context, name string, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.ensureTopic(name)
	p := queue.PartitionFor(key, b.partitions)
	t.parts[p] = append(t.parts[p], entry{key: key, value: value})
	b.wake()
	return nil
}

// Consume blocks until a delivery is available on one of the subscription's
// partitions, the context ends, or the broker closes.
func (b *Broker) Consume(ctx context.Context, sub pipeline.Subscription) (pipeline.Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return pipeline.Delivery{}, ErrClosed
		}
		d, ok := b.next(sub)
		ch := b.notify
		b.mu.Unlock()
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return pipeline.Delivery{}, fmt.Errorf("consume canceled: %w", ctx.Err())
		case <-ch:
		case <-time.After(wakeInterval):
			// Re-check so expired claims get redelivered promptly.
		}
	}
}

// Ack marks a delivery as handled. Acking the same delivery twice is a
// no-op so redelivered duplicates stay harmless.
func (b *Broker) Ack(_ context.Context, sub pipeline.Subscription, d pipeline.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sub.Topic]
	if !ok {
		return fmt.Errorf("memory: ack on unknown topic %q", sub.Topic)
	}
	g, ok := t.groups[sub.Group]
	if !ok {
		return fmt.Errorf("memory: ack on unknown group %q", sub.Group)
	}
	ps, ok := g.parts[d.Partition]
	if !ok {
		return fmt.Errorf("memory: ack on unknown partition %d", d.Partition)
	}
	idx, err := strconv.Atoi(d.ID)
	if err != nil {
		return fmt.Errorf("memory: ack with malformed id %q", d.ID)
	}
	if _, live := ps.inflight[idx]; live {
		delete(ps.inflight, idx)
		ps.acked++
	}
	return nil
}

// PendingCount returns published-minus-acknowledged for the group, summed
// across the topic's partitions. Messages published before the group first
// reads still count: groups always start from the beginning of the log.
func (b *Broker) PendingCount(_ context.Context, name string, groupName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	t := b.ensureTopic(name)
	g := t.ensureGroup(groupName, b.partitions)
	var pending int64
	for p, log := range t.parts {
		pending += int64(len(log)) - g.parts[p].acked
	}
	return pending, nil
}

// Partitions returns the partition count shared by every topic.
func (b *Broker) Partitions(string) int {
	return b.partitions
}

// Close wakes blocked consumers and rejects further operations.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.notify)
	return nil
}

// next finds the oldest claimable or fresh entry on the subscribed
// partitions. Caller holds b.mu.
func (b *Broker) next(sub pipeline.Subscription) (pipeline.Delivery, bool) {
	t := b.ensureTopic(sub.Topic)
	g := t.ensureGroup(sub.Group, b.partitions)
	owned := sub.Partitions
	if owned == nil {
		owned = all(b.partitions)
	}
	now := time.Now()

	// Expired claims first: redelivery beats fresh work so a crashed
	// worker's task is not stuck behind the backlog.
	for _, p := range owned {
		ps := g.parts[p]
		idx := -1
		for i, inf := range ps.inflight {
			if now.Sub(inf.deliveredAt) >= b.claimIdle && (idx == -1 || i < idx) {
				idx = i
			}
		}
		if idx >= 0 {
			ps.inflight[idx] = &inflight{deliveredAt: now, consumer: sub.Consumer}
			e := t.parts[p][idx]
			return pipeline.Delivery{ID: strconv.Itoa(idx), Partition: p, Key: e.key, Value: e.value}, true
		}
	}

	for _, p := range owned {
		ps := g.parts[p]
		if ps.cursor < len(t.parts[p]) {
			idx := ps.cursor
			ps.cursor++
			ps.inflight[idx] = &inflight{deliveredAt: now, consumer: sub.Consumer}
			e := t.parts[p][idx]
			return pipeline.Delivery{ID: strconv.Itoa(idx), Partition: p, Key: e.key, Value: e.value}, true
		}
	}
	return pipeline.Delivery{}, false
}

func (b *Broker) ensureTopic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			parts:  make([][]entry, b.partitions),
			groups: make(map[string]*group),
		}
		b.topics[name] = t
	}
	return t
}

func (t *topic) ensureGroup(name string, partitions int) *group {
	g, ok := t.groups[name]
	if !ok {
		g = &group{parts: make(map[int]*partitionState, partitions)}
		for p := 0; p < partitions; p++ {
			g.parts[p] = &partitionState{inflight: make(map[int]*inflight)}
		}
		t.groups[name] = g
	}
	return g
}

func (b *Broker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func all(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
