package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "salon_queue_length",
			Help: "Current number of active entries per salon",
		},
		[]string{"salon_id"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_queue_operations_total",
			Help: "Total queue ledger operations",
		},
		[]string{"operation", "salon_id", "status"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification dispatch outcomes per channel",
		},
		[]string{"channel", "outcome"},
	)

	notificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Dispatch requests dropped because the queue was full",
		},
	)

	otpOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_operations_total",
			Help: "OTP issue/verify operations",
		},
		[]string{"operation", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Time spent dispatching one notification request",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"kind"},
	)
)

func SetQueueLength(salonID string, n int) {
	queueLength.WithLabelValues(salonID).Set(float64(n))
}

func TrackQueueOperation(operation, salonID, status string) {
	queueOperations.WithLabelValues(operation, salonID, status).Inc()
}

func TrackNotification(channel, outcome string) {
	notifications.WithLabelValues(channel, outcome).Inc()
}

func TrackDispatchDrop() {
	notificationsDropped.Inc()
}

func TrackOTPOperation(operation, status string) {
	otpOperations.WithLabelValues(operation, status).Inc()
}

func TrackDispatch(kind string, d time.Duration) {
	dispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Monitor periodically refreshes queue length gauges from Redis.
type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collectQueueMetrics(context.Background())
	}
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	keys, err := m.redis.Keys(ctx, "queue:active:*").Result()
	if err != nil {
		return
	}

	for _, key := range keys {
		salonID := strings.TrimPrefix(key, "queue:active:")
		length, err := m.redis.LLen(ctx, key).Result()
		if err != nil {
			continue
		}
		queueLength.WithLabelValues(salonID).Set(float64(length))
	}
}
