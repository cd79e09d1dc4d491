package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_FirstHitOpensWindow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	limiter := NewRateLimiter(db, 2, time.Minute)

	mock.ExpectIncr("ratelimit:queue:user:u1").SetVal(1)
	mock.ExpectExpire("ratelimit:queue:user:u1", time.Minute).SetVal(true)

	assert.True(t, limiter.allow(context.Background(), "queue", "user:u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_WithinLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	limiter := NewRateLimiter(db, 2, time.Minute)

	mock.ExpectIncr("ratelimit:queue:user:u1").SetVal(2)

	assert.True(t, limiter.allow(context.Background(), "queue", "user:u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_OverLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	limiter := NewRateLimiter(db, 2, time.Minute)

	mock.ExpectIncr("ratelimit:queue:ip:1.2.3.4").SetVal(3)

	assert.False(t, limiter.allow(context.Background(), "queue", "ip:1.2.3.4"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	limiter := NewRateLimiter(db, 2, time.Minute)

	mock.ExpectIncr("ratelimit:queue:user:u1").SetErr(errors.New("connection refused"))

	assert.True(t, limiter.allow(context.Background(), "queue", "user:u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
