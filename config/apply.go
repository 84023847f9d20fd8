package config

import (
	"context"
	"fmt"

	"github.com/srilakshmi/nexus/control"
	"github.com/srilakshmi/nexus/nexus"
)

// Apply replays the bootstrap objects through the control core in
// dependency order: pools, then replicas and their exports, then
// nexuses and their publications. Bootstrap failures are fatal; a
// half-built node must not come up serving I/O.
func Apply(ctx context.Context, cfg *Config, svc *control.Service) error {
	for _, p := range cfg.Pools {
		if _, err := svc.CreatePool(p.Name, p.Devices, p.CapacityBytes); err != nil {
			return fmt.Errorf("bootstrap pool %s: %w", p.Name, err)
		}
	}
	for _, r := range cfg.Replicas {
		if _, err := svc.CreateReplica(r.Pool, r.UUID, r.SizeBytes, r.BlockSize); err != nil {
			return fmt.Errorf("bootstrap replica %s: %w", r.UUID, err)
		}
		if r.Share {
			if _, err := svc.ShareReplica(r.Pool, r.UUID); err != nil {
				return fmt.Errorf("bootstrap share %s: %w", r.UUID, err)
			}
		}
	}
	for _, n := range cfg.Nexuses {
		if _, err := svc.CreateNexus(ctx, n.UUID, n.SizeBytes, n.BlockSize, n.Children); err != nil {
			return fmt.Errorf("bootstrap nexus %s: %w", n.UUID, err)
		}
		if n.Publish != "" {
			if _, err := svc.PublishNexus(n.UUID, nexus.Transport(n.Publish)); err != nil {
				return fmt.Errorf("bootstrap publish %s: %w", n.UUID, err)
			}
		}
	}
	return nil
}
