package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// slidingWindowScript admits a request if fewer than ARGV[2] requests were
// admitted after ARGV[3]. Returns 1 when admitted.
// ARGV: now ms, limit, cutoff ms, member, window ms
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

type Config struct {
	Limit  int
	Window time.Duration
	Prefix string
}

// SlidingWindow is a per-user rate limiter shared by every hub process.
type SlidingWindow struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

func NewSlidingWindow(client redis.UniversalClient, cfg Config, logger zerolog.Logger) *SlidingWindow {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ratelimit:read"
	}

	return &SlidingWindow{
		client: client,
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: prefix,
		log:    logger,
		now:    time.Now,
	}
}

// TryAcquire reports whether userID may perform one more request. When the
// store is unreachable the request is allowed and the error is returned for
// logging.
func (l *SlidingWindow) TryAcquire(ctx context.Context, userID string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.key(userID)},
		now, l.limit, now-l.window.Milliseconds(), strconv.FormatInt(now, 10)+"-"+uuid.NewString(), l.window.Milliseconds(),
	).Int()
	if err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable, allowing request")
		return true, fmt.Errorf("rate limit: %w", err)
	}

	return res == 1, nil
}

func (l *SlidingWindow) key(userID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, userID)
}
