package provisioner

import (
	"context"
	"log"

	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/store"
)

// SweepOrphans removes lab containers whose store record has expired or
// been deleted while the containers kept running. The store record is the
// source of truth for liveness; containers without one are leaks.
// Intended to run on a cron schedule.
func (p *Provisioner) SweepOrphans(ctx context.Context) (int, error) {
	containers, err := p.rt.ListByLabel(ctx, LabelManagedBy, managedValueLab)
	if err != nil {
		return 0, err
	}

	// Group by environment id so each orphaned cluster is torn down once,
	// containers and network together.
	type orphan struct {
		owner, envKey, network string
	}
	byEnv := make(map[string]orphan)
	for _, c := range containers {
		envID := c.Labels[LabelEnvID]
		if envID == "" {
			continue
		}
		byEnv[envID] = orphan{
			owner:   c.Labels[LabelOwner],
			envKey:  c.Labels[LabelEnvKey],
			network: c.Labels[LabelNetwork],
		}
	}

	swept := 0
	for envID, o := range byEnv {
		if o.owner != "" && o.envKey != "" {
			var env Environment
			if err := p.store.GetJSON(ctx, store.EnvironmentKey(o.owner, o.envKey), &env); err == nil && env.ID == envID {
				continue // record still live, not an orphan
			}
		}
		if err := p.cleanup(ctx, envID, o.network); err != nil {
			log.Printf("[janitor] sweep %s: %v", envID, err)
			continue
		}
		p.record(o.owner, database.EventOrphanSwept, o.envKey, "env="+envID)
		if p.metrics != nil {
			p.metrics.LabsActive.Dec()
		}
		log.Printf("[janitor] swept orphaned environment %s", envID)
		swept++
	}
	return swept, nil
}
