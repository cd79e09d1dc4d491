package services

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func loyaltyKey(salonID, userID string) string {
	return "loyalty:points:" + salonID + ":" + userID
}

// Tier is a loyalty level with the discount it grants.
type Tier struct {
	Name     string          `json:"name"`
	Discount decimal.Decimal `json:"discount"`
}

var (
	tierNone   = Tier{Name: "none", Discount: decimal.Zero}
	tierSilver = Tier{Name: "silver", Discount: decimal.NewFromFloat(0.10)}
	tierGold   = Tier{Name: "gold", Discount: decimal.NewFromFloat(0.20)}
)

// TierFor maps a point balance to its tier.
func TierFor(points int64) Tier {
	switch {
	case points >= 100:
		return tierGold
	case points >= 50:
		return tierSilver
	default:
		return tierNone
	}
}

// LoyaltyService tracks per-salon visit points. Balances only ever grow
// through Accrue; there is no redemption path here.
type LoyaltyService struct {
	Redis          *redis.Client
	pointsPerVisit int64
}

func NewLoyaltyService(redisClient *redis.Client, pointsPerVisit int64) *LoyaltyService {
	return &LoyaltyService{
		Redis:          redisClient,
		pointsPerVisit: pointsPerVisit,
	}
}

// Accrue awards the per-visit points and returns the new balance.
func (s *LoyaltyService) Accrue(ctx context.Context, salonID, userID string) (int64, error) {
	balance, err := s.Redis.IncrBy(ctx, loyaltyKey(salonID, userID), s.pointsPerVisit).Result()
	if err != nil {
		return 0, fmt.Errorf("accrue loyalty points: %w", err)
	}
	return balance, nil
}

// Points returns the user's balance at the salon. Never-accrued users
// have zero points.
func (s *LoyaltyService) Points(ctx context.Context, salonID, userID string) (int64, error) {
	val, err := s.Redis.Get(ctx, loyaltyKey(salonID, userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load loyalty points: %w", err)
	}
	return val, nil
}

// TierOf returns the user's current tier at the salon.
func (s *LoyaltyService) TierOf(ctx context.Context, salonID, userID string) (int64, Tier, error) {
	points, err := s.Points(ctx, salonID, userID)
	if err != nil {
		return 0, Tier{}, err
	}
	return points, TierFor(points), nil
}
