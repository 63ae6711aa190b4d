package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"callnet/internal/core/ports"
)

// AddRedisCheck adds a redis connectivity check.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCallRegistryCheck verifies the active-call registry answers lookups.
func (h *HealthChecker) AddCallRegistryCheck(repo ports.CallRepository, interval, timeout time.Duration) {
	h.AddCheck("call_registry", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		_, err := repo.ListActive(ctx)
		if err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck verifies every dependency the signaling node needs
// before taking traffic.
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	repo ports.CallRepository,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		if repo != nil {
			if _, err := repo.ListActive(ctx); err != nil {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for the load balancer.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady reports whether the service can accept traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
