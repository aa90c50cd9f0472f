package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// RedisSink publishes terminal results on a pub/sub channel and mirrors
// price-cache writes into keyed entries so external consumers (dashboards,
// other processes) can read the latest quotes. It doubles as the price
// cache's Mirror.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to addr and publishes on channel.
func NewRedisSink(addr, channel string) *RedisSink {
	return &RedisSink{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (s *RedisSink) Name() string { return "redis" }

// Ping verifies connectivity at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) DeliverResult(ctx context.Context, res opportunity.ExecutionResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

func (s *RedisSink) DeliverCrossChain(ctx context.Context, cc opportunity.CrossChainOpportunity) error {
	payload, err := json.Marshal(cc)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel+":crosschain", payload).Err()
}

// MirrorQuote writes the quote under quote:<chain>:<venue>:<pair> with a
// short TTL. Best effort; mirror failures never touch the hot path.
func (s *RedisSink) MirrorQuote(q opportunity.PriceQuote) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := json.Marshal(q)
	if err != nil {
		return
	}
	key := fmt.Sprintf("quote:%s:%s:%s", q.Chain, q.Venue, q.Pair)
	s.client.Set(ctx, key, payload, 2*time.Minute)
}

// Close releases the connection.
func (s *RedisSink) Close() error { return s.client.Close() }
