package otp

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestNewRedisRateLimiterNormalizesPrefix(t *testing.T) {
	assert.Equal(t, "bms:otp", NewRedisRateLimiter(nil, " bms:otp: ").prefix)
	assert.Equal(t, defaultRateLimitPrefix, NewRedisRateLimiter(nil, "  ").prefix)
}

func TestRedisRateLimiterDisabledCases(t *testing.T) {
	ctx := context.Background()
	// Nothing listens here; a disabled limiter must never dial.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	limiter := NewRedisRateLimiter(client, "")

	tests := []struct {
		name    string
		limiter *RedisRateLimiter
		scope   string
		subject string
		limit   int
		window  time.Duration
	}{
		{name: "nil limiter", limiter: nil, scope: "otp_verify", subject: "1", limit: 1, window: time.Minute},
		{name: "nil client", limiter: NewRedisRateLimiter(nil, ""), scope: "otp_verify", subject: "1", limit: 1, window: time.Minute},
		{name: "zero limit", limiter: limiter, scope: "otp_verify", subject: "1", limit: 0, window: time.Minute},
		{name: "zero window", limiter: limiter, scope: "otp_verify", subject: "1", limit: 1, window: 0},
		{name: "blank scope", limiter: limiter, scope: " ", subject: "1", limit: 1, window: time.Minute},
		{name: "blank subject", limiter: limiter, scope: "otp_verify", subject: "", limit: 1, window: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, retryAfter, err := tt.limiter.ConsumeRateLimit(ctx, tt.scope, tt.subject, tt.limit, tt.window)
			assert.NoError(t, err)
			assert.Zero(t, count)
			assert.Zero(t, retryAfter)
		})
	}
}

func TestRedisRateLimiterReportsOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	_, _, err := NewRedisRateLimiter(client, "").ConsumeRateLimit(context.Background(), "otp_verify", "7", 3, time.Minute)
	assert.Error(t, err)
}

func TestSecondsLeft(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      int
	}{
		{remaining: 1500 * time.Millisecond, want: 2},
		{remaining: time.Second, want: 1},
		{remaining: time.Millisecond, want: 1},
		{remaining: -1, want: 60},
		{remaining: -2, want: 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, secondsLeft(tt.remaining, time.Minute), "remaining %v", tt.remaining)
	}
}
