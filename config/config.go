package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// SMS gateway
	SMSGatewayURL   string
	SMSGatewayToken string

	// OTP configuration
	OTPLength         int
	OTPTTL            time.Duration
	OTPMaxAttempts    int
	OTPResendInterval time.Duration
	// OTPExposeCode surfaces the raw code in API responses. Development
	// convenience only; must stay off in production.
	OTPExposeCode        bool
	VerificationChannels []string

	// Notification dispatch
	NotifyDedupeWindow time.Duration
	NotifyMaxAttempts  int
	NotifyRetryBackoff time.Duration
	DispatchQueueSize  int
	DispatchWorkers    int

	// Loyalty
	LoyaltyPointsPerVisit int64

	// Cleanup configuration
	SweepInterval time.Duration
	HistoryTTL    time.Duration

	// Rate limiting
	RateLimitMax    int64
	RateLimitWindow time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// SMS gateway
		SMSGatewayURL:   getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayToken: getEnv("SMS_GATEWAY_TOKEN", ""),

		// OTP
		OTPLength:            getEnvAsInt("OTP_LENGTH", 6),
		OTPTTL:               getEnvAsDuration("OTP_TTL", "10m"),
		OTPMaxAttempts:       getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
		OTPResendInterval:    getEnvAsDuration("OTP_RESEND_INTERVAL", "60s"),
		OTPExposeCode:        getEnvAsBool("OTP_EXPOSE_CODE", false),
		VerificationChannels: getEnvAsSlice("VERIFICATION_CHANNELS", "email,phone"),

		// Notifications
		NotifyDedupeWindow: getEnvAsDuration("NOTIFY_DEDUPE_WINDOW", "30s"),
		NotifyMaxAttempts:  getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyRetryBackoff: getEnvAsDuration("NOTIFY_RETRY_BACKOFF", "2s"),
		DispatchQueueSize:  getEnvAsInt("DISPATCH_QUEUE_SIZE", 256),
		DispatchWorkers:    getEnvAsInt("DISPATCH_WORKERS", 4),

		// Loyalty
		LoyaltyPointsPerVisit: int64(getEnvAsInt("LOYALTY_POINTS_PER_VISIT", 10)),

		// Cleanup
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", "1m"),
		HistoryTTL:    getEnvAsDuration("HISTORY_TTL", "24h"),

		// Rate limiting
		RateLimitMax:    int64(getEnvAsInt("RATE_LIMIT_MAX", 30)),
		RateLimitWindow: getEnvAsDuration("RATE_LIMIT_WINDOW", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsSlice(key string, defaultValue string) []string {
	valueStr := getEnv(key, defaultValue)
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
