package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Registry announces service instances and keeps their health check alive.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	HealthCheck(instanceID, serviceName string) error
}

// DefaultHeartbeat stays below the TTL the registries expect.
const DefaultHeartbeat = 2 * time.Second

func GenerateInstanceID(serviceName string) string {
	return serviceName + "-" + uuid.NewString()[:8]
}

// Heartbeat reports the instance healthy every interval until ctx is done.
// Failures are logged; the registry marks the instance critical on its own.
func Heartbeat(ctx context.Context, r Registry, instanceID, serviceName string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.HealthCheck(instanceID, serviceName); err != nil {
				logger.Error("failed to health check", slog.String("instance_id", instanceID), slog.Any("error", err))
			}
		}
	}
}
