package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	consul "github.com/hashicorp/consul/api"

	"github.com/timour/course-checkout/discovery"
)

type Registry struct {
	client *consul.Client
	logger *slog.Logger
}

func NewRegistry(addr string, logger *slog.Logger) (*Registry, error) {
	config := consul.DefaultConfig()
	config.Address = addr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &Registry{client: client, logger: logger}, nil
}

// Register adds the instance with a TTL check and an HTTP /healthz check.
func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("invalid host:port %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	reg := &consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    []string{"http", "payments"},
		Checks: consul.AgentServiceChecks{
			{
				CheckID:                        instanceID,
				TTL:                            "5s",
				DeregisterCriticalServiceAfter: "10s",
			},
			{
				CheckID:  instanceID + "-http",
				HTTP:     fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, portStr)),
				Interval: "10s",
				Timeout:  "2s",
			},
		},
	}

	opts := consul.ServiceRegisterOpts{}.WithContext(ctx)
	if err := r.client.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return fmt.Errorf("failed to register %s: %w", instanceID, err)
	}
	r.logger.Info("registered with consul", slog.String("instance_id", instanceID), slog.String("service", serviceName))
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.logger.Info("deregistering from consul", slog.String("instance_id", instanceID), slog.String("service", serviceName))
	q := (&consul.QueryOptions{}).WithContext(ctx)
	return r.client.Agent().ServiceDeregisterOpts(instanceID, q)
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consul.HealthPassing)
}

var _ discovery.Registry = (*Registry)(nil)
