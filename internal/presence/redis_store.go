package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/types"
)

const defaultChannel = "gochat:presence"

// Redis key patterns, hash-tagged by room so a script touches one slot:
// presence:{room}:counts            HASH<user_id, connection count>
// presence:{room}:users             SET<user_id>        - visible users
// presence:{room}:devices:{user_id} HASH<device, count> - devices of a visible user

func countsKey(room string) string {
	return fmt.Sprintf("presence:{%s}:counts", room)
}

func usersKey(room string) string {
	return fmt.Sprintf("presence:{%s}:users", room)
}

func devicesKey(room, userID string) string {
	return fmt.Sprintf("presence:{%s}:devices:%s", room, userID)
}

// joinScript returns {previous count, devices...}.
var joinScript = redis.NewScript(`
local prev = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
if prev <= 0 then
  prev = 0
  redis.call("DEL", KEYS[3])
end
redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
if prev == 0 then
  redis.call("SADD", KEYS[2], ARGV[1])
end
redis.call("HINCRBY", KEYS[3], ARGV[2], 1)
local result = redis.call("HKEYS", KEYS[3])
table.insert(result, 1, prev)
return result
`)

// leaveScript returns {remaining count, clamped, devices...}.
var leaveScript = redis.NewScript(`
local cur = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
if cur <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
  redis.call("SREM", KEYS[2], ARGV[1])
  redis.call("DEL", KEYS[3])
  return {0, 1}
end
local post = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if post <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
  redis.call("SREM", KEYS[2], ARGV[1])
  redis.call("DEL", KEYS[3])
  return {0, 0}
end
if redis.call("HINCRBY", KEYS[3], ARGV[2], -1) <= 0 then
  redis.call("HDEL", KEYS[3], ARGV[2])
end
local result = redis.call("HKEYS", KEYS[3])
table.insert(result, 1, 0)
table.insert(result, 1, post)
return result
`)

type RedisConfig struct {
	Channel string
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client  redis.UniversalClient
	channel string
	log     zerolog.Logger
}

func NewRedisStore(client redis.UniversalClient, cfg RedisConfig, logger zerolog.Logger) *RedisStore {
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}

	return &RedisStore{
		client:  client,
		channel: channel,
		log:     logger,
	}
}

func (s *RedisStore) IncrPresence(ctx context.Context, room, userID, device string) (JoinResult, error) {
	res, err := joinScript.Run(ctx, s.client,
		[]string{countsKey(room), usersKey(room), devicesKey(room, userID)},
		userID, device,
	).Slice()
	if err != nil {
		return JoinResult{}, fmt.Errorf("incr presence: %w", err)
	}

	prev, err := toInt64(res, 0)
	if err != nil {
		return JoinResult{}, err
	}

	return JoinResult{
		Previous: prev,
		Devices:  toStrings(res[1:]),
	}, nil
}

func (s *RedisStore) DecrPresence(ctx context.Context, room, userID, device string) (LeaveResult, error) {
	res, err := leaveScript.Run(ctx, s.client,
		[]string{countsKey(room), usersKey(room), devicesKey(room, userID)},
		userID, device,
	).Slice()
	if err != nil {
		return LeaveResult{}, fmt.Errorf("decr presence: %w", err)
	}

	remaining, err := toInt64(res, 0)
	if err != nil {
		return LeaveResult{}, err
	}
	clamped, err := toInt64(res, 1)
	if err != nil {
		return LeaveResult{}, err
	}

	return LeaveResult{
		Remaining: remaining,
		Clamped:   clamped == 1,
		Devices:   toStrings(res[2:]),
	}, nil
}

func (s *RedisStore) Snapshot(ctx context.Context, room string) ([]types.PresenceEntry, error) {
	users, err := s.client.SMembers(ctx, usersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("list room users: %w", err)
	}

	entries := make([]types.PresenceEntry, 0, len(users))
	if len(users) == 0 {
		return entries, nil
	}
	sort.Strings(users)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(users))
	for i, user := range users {
		cmds[i] = pipe.HKeys(ctx, devicesKey(room, user))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list user devices: %w", err)
	}

	for i, user := range users {
		devices := cmds[i].Val()
		sort.Strings(devices)
		entries = append(entries, types.PresenceEntry{
			UserId:  user,
			Devices: devices,
		})
	}

	return entries, nil
}

func (s *RedisStore) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}

	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context) <-chan Event {
	events := make(chan Event, 256)

	go func() {
		defer close(events)

		for {
			err := s.runSubscription(ctx, events)
			if ctx.Err() != nil {
				return
			}

			s.log.Warn().Err(err).Str("channel", s.channel).Msg("presence subscription lost, reconnecting in 2s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	return events
}

func (s *RedisStore) runSubscription(ctx context.Context, events chan<- Event) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}

			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn().Err(err).Msg("invalid presence event payload")
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func toInt64(res []any, i int) (int64, error) {
	if len(res) <= i {
		return 0, fmt.Errorf("unexpected presence script result: %v", res)
	}
	n, ok := res[i].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected presence script value %T", res[i])
	}
	return n, nil
}

func toStrings(vals []any) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
