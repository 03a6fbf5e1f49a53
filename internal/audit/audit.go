// Package audit publishes a durable record of every delivery decision the
// endpoint node's pipeline makes (C7) to a Kafka-compatible broker, and
// provides a consumer that a background GC worker uses to replay those
// records and expire stale stored messages from the message store without
// re-reading the whole table. Grounded on the teacher's
// internal/shared/kafka/consumer.go for the franz-go client shape (seed
// brokers, consumer group, PollFetches loop, panic-safe goroutine), adapted
// from an event-fan-out consumer to a replay-and-expire one.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is one delivery decision, enough for the GC worker to decide
// whether the message it names is still worth keeping around.
type Record struct {
	UAID      string `json:"uaid"`
	ChannelID string `json:"channel_id"`
	SortKey   string `json:"sort_key"`
	Source    string `json:"source"` // "Direct" or "Stored"
	TTL       int    `json:"ttl"`
	Timestamp int64  `json:"timestamp"`
}

// Producer publishes Records to a Kafka-compatible topic. A nil client
// (no brokers configured) makes every Publish call a no-op, so wiring this
// into the delivery pipeline never requires a broker for local development
// or tests.
type Producer struct {
	client *kgo.Client
	topic  string
	log    zerolog.Logger
}

// NewProducer dials brokers and returns a Producer, or (nil, nil) if no
// brokers are configured.
func NewProducer(brokers []string, topic string, log zerolog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create producer client: %w", err)
	}
	return &Producer{client: client, topic: topic, log: log}, nil
}

// Publish fires the record asynchronously; delivery of the audit trail
// itself is best-effort and never blocks or fails the push response it
// describes.
func (p *Producer) Publish(rec Record) {
	if p == nil || p.client == nil {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		p.log.Warn().Err(err).Msg("audit: marshal record")
		return
	}
	p.client.Produce(context.Background(), &kgo.Record{Topic: p.topic, Key: []byte(rec.UAID), Value: body}, func(_ *kgo.Record, err error) {
		if err != nil {
			p.log.Warn().Err(err).Msg("audit: publish record failed")
		}
	})
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

// Store is the subset of the message store the GC consumer needs, kept
// narrow so tests can supply a fake without pulling in the full contract.
type Store interface {
	RemoveMessage(ctx context.Context, uaid, sortKey string) error
}

// GCConsumer replays published Records and removes messages from Store
// once their TTL has elapsed, a cluster-wide cleanup pass independent of
// any single connection node's in-memory state.
type GCConsumer struct {
	client *kgo.Client
	store  Store
	log    zerolog.Logger
	now    func() int64
}

// GCConfig configures a GCConsumer.
type GCConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Store         Store
	Log           zerolog.Logger
}

// NewGCConsumer builds a GCConsumer, or returns (nil, nil) if no brokers
// are configured — the cluster still answers reads correctly without it
// since FetchTopicMessages/FetchTimestampMessages already filter on
// Eligible at read time; this worker only reclaims the storage those
// already-excluded rows would otherwise occupy forever.
func NewGCConsumer(cfg GCConfig) (*GCConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create gc consumer client: %w", err)
	}
	return &GCConsumer{client: client, store: cfg.Store, log: cfg.Log, now: func() int64 { return time.Now().Unix() }}, nil
}

// Run polls until ctx is cancelled, expiring every record whose TTL window
// has closed. A panic in record handling is recovered and logged so one
// malformed audit entry never takes the whole GC loop down, matching the
// teacher consumeLoop's panic-recovery discipline.
func (g *GCConsumer) Run(ctx context.Context) {
	defer g.recoverPanic()
	defer g.client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := g.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			g.log.Warn().Err(err.Err).Str("topic", err.Topic).Msg("audit: fetch error")
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			g.handle(ctx, rec.Value)
		})
	}
}

func (g *GCConsumer) handle(ctx context.Context, value []byte) {
	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		g.log.Warn().Err(err).Msg("audit: decode record")
		return
	}
	if rec.Source != "Stored" || rec.TTL == 0 {
		return
	}
	if g.now() < rec.Timestamp+int64(rec.TTL) {
		return
	}
	if err := g.store.RemoveMessage(ctx, rec.UAID, rec.SortKey); err != nil {
		g.log.Debug().Err(err).Str("uaid", rec.UAID).Msg("audit: gc remove_message failed")
	}
}

func (g *GCConsumer) recoverPanic() {
	if r := recover(); r != nil {
		g.log.Error().Interface("panic", r).Msg("audit: gc consumer recovered from panic")
	}
}
