package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/golang/snappy"

	"github.com/veldtlabs/veldt/p2p/peers"
)

// Validation is a topic validator's verdict. Reject penalizes the sender;
// Ignore does not.
type Validation int

const (
	Accept Validation = iota
	Ignore
	Reject
)

// TopicValidator inspects a decoded message before it propagates.
type TopicValidator func(ctx context.Context, from peer.ID, decoded []byte) Validation

// MessageHandler consumes accepted, decoded messages.
type MessageHandler func(ctx context.Context, from peer.ID, decoded []byte)

// Gossip owns the pubsub instance and the validator table, keyed by topic.
type Gossip struct {
	ps     *pubsub.PubSub
	pool   *peers.Pool
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGossip builds the gossipsub router with the post-altair message-id
// scheme; preAltair selects the legacy scheme for old-network support.
func NewGossip(ctx context.Context, h host.Host, pool *peers.Pool, preAltair bool, logger *slog.Logger) (*Gossip, error) {
	if logger == nil {
		logger = slog.Default()
	}
	msgID := func(m *pb.Message) string {
		if preAltair {
			id := LegacyMessageID(m.Data)
			return string(id[:])
		}
		id := MessageID(m.GetTopic(), m.Data)
		return string(id[:])
	}
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(msgID),
		pubsub.WithNoAuthor(),
	)
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	return &Gossip{ps: ps, pool: pool, logger: logger, topics: make(map[string]*pubsub.Topic)}, nil
}

// Register installs a validator for a topic. Messages failing snappy
// decoding are rejected before the validator runs.
func (g *Gossip) Register(topic string, v TopicValidator) error {
	return g.ps.RegisterTopicValidator(topic,
		func(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
			decoded, err := snappy.Decode(nil, msg.Data)
			if err != nil {
				g.penalize(from)
				return pubsub.ValidationReject
			}
			switch v(ctx, from, decoded) {
			case Accept:
				return pubsub.ValidationAccept
			case Ignore:
				return pubsub.ValidationIgnore
			default:
				g.penalize(from)
				return pubsub.ValidationReject
			}
		})
}

func (g *Gossip) penalize(from peer.ID) {
	if g.pool.Penalize(from, peers.PenaltyFailedDecode) {
		g.pool.Ban(from, peers.ReasonLowScore)
	}
}

func (g *Gossip) join(topic string) (*pubsub.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[topic]; ok {
		return t, nil
	}
	t, err := g.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	g.topics[topic] = t
	return t, nil
}

// Subscribe runs handler for each accepted message until ctx is done.
func (g *Gossip) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	t, err := g.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.logger.Error("subscription error", "topic", topic, "err", err)
				continue
			}
			decoded, err := snappy.Decode(nil, msg.Data)
			if err != nil {
				continue // the validator already dropped undecodable messages
			}
			handler(ctx, msg.ReceivedFrom, decoded)
		}
	}()
	return nil
}

// Publish compresses and publishes to a topic.
func (g *Gossip) Publish(ctx context.Context, topic string, payload []byte) error {
	t, err := g.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, snappy.Encode(nil, payload))
}
