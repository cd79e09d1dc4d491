package services

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoyaltyService_Accrue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	service := NewLoyaltyService(db, 10)

	mock.ExpectIncrBy("loyalty:points:salon-1:user-1", 10).SetVal(60)

	balance, err := service.Accrue(context.Background(), "salon-1", "user-1")

	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoyaltyService_Points_NeverAccruedIsZero(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	service := NewLoyaltyService(db, 10)

	mock.ExpectGet("loyalty:points:salon-1:user-1").RedisNil()

	points, err := service.Points(context.Background(), "salon-1", "user-1")

	require.NoError(t, err)
	assert.Equal(t, int64(0), points)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTierFor_Thresholds(t *testing.T) {
	tests := []struct {
		points   int64
		name     string
		discount decimal.Decimal
	}{
		{0, "none", decimal.Zero},
		{49, "none", decimal.Zero},
		{50, "silver", decimal.NewFromFloat(0.10)},
		{99, "silver", decimal.NewFromFloat(0.10)},
		{100, "gold", decimal.NewFromFloat(0.20)},
		{250, "gold", decimal.NewFromFloat(0.20)},
	}

	for _, tt := range tests {
		tier := TierFor(tt.points)
		assert.Equal(t, tt.name, tier.Name, "points=%d", tt.points)
		assert.True(t, tt.discount.Equal(tier.Discount), "points=%d discount=%s", tt.points, tier.Discount)
	}
}

func TestLoyaltyService_TierOf(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	service := NewLoyaltyService(db, 10)

	mock.ExpectGet("loyalty:points:salon-1:user-1").SetVal("120")

	points, tier, err := service.TierOf(context.Background(), "salon-1", "user-1")

	require.NoError(t, err)
	assert.Equal(t, int64(120), points)
	assert.Equal(t, "gold", tier.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}
