package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"salon-queue/config"
	"salon-queue/internal/status"
	"salon-queue/monitoring"
	"salon-queue/utils"
)

func otpKey(channel, userID string) string {
	return "otp:challenge:" + channel + ":" + userID
}

func verifiedKey(userID string) string {
	return "otp:verified:" + userID
}

// CodeSender hands a freshly issued code to the delivery pipeline.
type CodeSender interface {
	EnqueueCode(userID, channel, code string)
}

// OTPService issues and verifies one-time codes per (user, channel).
// Only a bcrypt hash of the code is stored; the challenge lives in a
// Redis hash that expires with the code.
type OTPService struct {
	Redis  *redis.Client
	sender CodeSender
	cfg    *config.Config
	locks  *keyedMutex
}

func NewOTPService(redisClient *redis.Client, sender CodeSender, cfg *config.Config) *OTPService {
	return &OTPService{
		Redis:  redisClient,
		sender: sender,
		cfg:    cfg,
		locks:  newKeyedMutex(),
	}
}

func (s *OTPService) validChannel(channel string) bool {
	return channel == "email" || channel == "phone"
}

// Issue creates a fresh challenge and schedules delivery. A repeat
// request inside the resend interval returns ErrRateLimited. The code
// is returned only when the deployment exposes it for development.
func (s *OTPService) Issue(ctx context.Context, userID, channel string) (string, error) {
	if userID == "" || !s.validChannel(channel) {
		return "", fmt.Errorf("%w: user id and a valid channel are required", status.ErrInvalidRequest)
	}

	lockKey := channel + ":" + userID
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	key := otpKey(channel, userID)

	issuedAt, err := s.Redis.HGet(ctx, key, "issued_at").Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("check existing challenge: %w", err)
	}
	if err == nil {
		if ts, parseErr := strconv.ParseInt(issuedAt, 10, 64); parseErr == nil {
			if time.Since(time.Unix(ts, 0)) < s.cfg.OTPResendInterval {
				monitoring.TrackOTPOperation("issue", "rate_limited")
				return "", status.ErrRateLimited
			}
		}
	}

	code, err := utils.GenerateOTP(s.cfg.OTPLength)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	// A reissue invalidates the previous challenge entirely.
	if err := s.Redis.Del(ctx, key).Err(); err != nil {
		return "", fmt.Errorf("clear previous challenge: %w", err)
	}
	err = s.Redis.HSet(ctx, key,
		"code_hash", string(hash),
		"issued_at", time.Now().Unix(),
		"attempts_remaining", s.cfg.OTPMaxAttempts,
	).Err()
	if err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	if err := s.Redis.Expire(ctx, key, s.cfg.OTPTTL).Err(); err != nil {
		return "", fmt.Errorf("expire challenge: %w", err)
	}

	s.sender.EnqueueCode(userID, channel, code)
	monitoring.TrackOTPOperation("issue", "ok")
	slog.Info("otp issued", "user_id", userID, "channel", channel)

	if s.cfg.OTPExposeCode {
		return code, nil
	}
	return "", nil
}

// Verify checks a submitted code against the live challenge. The
// challenge is consumed on success and its attempt budget decremented
// on mismatch. An expired or never-issued challenge is ErrExpired.
func (s *OTPService) Verify(ctx context.Context, userID, channel, code string) error {
	if userID == "" || code == "" || !s.validChannel(channel) {
		return fmt.Errorf("%w: user id, channel and code are required", status.ErrInvalidRequest)
	}

	lockKey := channel + ":" + userID
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	key := otpKey(channel, userID)

	vals, err := s.Redis.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load challenge: %w", err)
	}
	if len(vals) == 0 {
		monitoring.TrackOTPOperation("verify", "expired")
		return status.ErrExpired
	}

	attempts, _ := strconv.Atoi(vals["attempts_remaining"])
	if attempts <= 0 {
		monitoring.TrackOTPOperation("verify", "exhausted")
		return status.ErrNoAttemptsLeft
	}

	if bcrypt.CompareHashAndPassword([]byte(vals["code_hash"]), []byte(code)) != nil {
		if err := s.Redis.HIncrBy(ctx, key, "attempts_remaining", -1).Err(); err != nil {
			return fmt.Errorf("decrement attempts: %w", err)
		}
		monitoring.TrackOTPOperation("verify", "mismatch")
		return status.ErrMismatch
	}

	if err := s.Redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if err := s.Redis.SAdd(ctx, verifiedKey(userID), channel).Err(); err != nil {
		return fmt.Errorf("mark channel verified: %w", err)
	}

	monitoring.TrackOTPOperation("verify", "ok")
	slog.Info("otp verified", "user_id", userID, "channel", channel)
	return nil
}

// Verified reports whether the user has completed verification on the
// given channel.
func (s *OTPService) Verified(ctx context.Context, userID, channel string) (bool, error) {
	ok, err := s.Redis.SIsMember(ctx, verifiedKey(userID), channel).Result()
	if err != nil {
		return false, fmt.Errorf("check verified channel: %w", err)
	}
	return ok, nil
}

// FullyVerified reports whether every required channel is verified.
func (s *OTPService) FullyVerified(ctx context.Context, userID string) (bool, error) {
	for _, channel := range s.cfg.VerificationChannels {
		ok, err := s.Verified(ctx, userID, channel)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
