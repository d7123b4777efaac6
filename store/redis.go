package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed"
	"github.com/quantbyte/smartfeed/orderplan"
)

// Redis backs every store interface with a single go-redis client.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedis connects to redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, log: log.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// SetJSON marshals value and stores it at key without expiry.
func (r *Redis) SetJSON(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Publish fans payload out on channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Get loads a plan record by id.
func (r *Redis) Get(ctx context.Context, id string) (*orderplan.Plan, error) {
	raw, err := r.client.Get(ctx, KeyPlan+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("plan %s: %w", id, smartfeed.ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	var plan orderplan.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", id, err)
	}
	return &plan, nil
}

// Update writes a plan record back and keeps the id index current.
func (r *Redis) Update(ctx context.Context, plan *orderplan.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", plan.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, KeyPlan+plan.ID, payload, 0)
	pipe.SAdd(ctx, KeyPlanIndex, plan.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store plan %s: %w", plan.ID, err)
	}
	return nil
}

// Delete removes a plan record and its index entry.
func (r *Redis) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, KeyPlan+id)
	pipe.SRem(ctx, KeyPlanIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete plan %s: %w", id, err)
	}
	return nil
}

// ListActive returns every non-terminal plan. Index entries whose record
// has vanished are skipped and logged, not treated as errors.
func (r *Redis) ListActive(ctx context.Context) ([]*orderplan.Plan, error) {
	ids, err := r.client.SMembers(ctx, KeyPlanIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list plan ids: %w", err)
	}

	plans := make([]*orderplan.Plan, 0, len(ids))
	for _, id := range ids {
		plan, err := r.Get(ctx, id)
		if errors.Is(err, smartfeed.ErrPlanNotFound) {
			r.log.Warn().Str("plan", id).Msg("plan indexed but record missing")
			continue
		}
		if err != nil {
			return nil, err
		}
		if plan.Terminal() {
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// SubscribePlanEvents subscribes to plan lifecycle channels and demuxes
// them into created and deleted id streams. Both output channels close
// when ctx is cancelled.
func (r *Redis) SubscribePlanEvents(ctx context.Context) (<-chan string, <-chan string, error) {
	sub := r.client.Subscribe(ctx, ChanPlanCreated, ChanPlanDeleted)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe plan events: %w", err)
	}

	created := make(chan string, 16)
	deleted := make(chan string, 16)
	go func() {
		defer close(created)
		defer close(deleted)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				switch msg.Channel {
				case ChanPlanCreated:
					created <- msg.Payload
				case ChanPlanDeleted:
					deleted <- msg.Payload
				}
			}
		}
	}()
	return created, deleted, nil
}
