package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// TestRedis starts an in-process redis server and returns a client for it.
// Both are torn down when the test ends.
func TestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       srv.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() {
		client.Close()
	})

	return srv, client
}
