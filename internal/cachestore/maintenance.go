package cachestore

import (
	"context"

	"github.com/robfig/cron/v3"
)

// Maintainer periodically prunes the semantic shard index of entries
// whose underlying key has already expired. Redis drops the entry itself
// via TTL, but the shard set (cache:sem:shard) is a separate key that
// would otherwise grow unboundedly with stale members.
type Maintainer struct {
	cache *Cache
	cron  *cron.Cron
}

// NewMaintainer schedules a sweep of cache's semantic shard index on
// spec (standard five-field cron syntax, e.g. "*/10 * * * *" for every
// ten minutes).
func NewMaintainer(cache *Cache, spec string) (*Maintainer, error) {
	c := cron.New()
	m := &Maintainer{cache: cache, cron: c}
	if _, err := c.AddFunc(spec, m.sweep); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins running scheduled sweeps in the background.
func (m *Maintainer) Start() {
	m.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (m *Maintainer) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintainer) sweep() {
	ctx := context.Background()
	members, err := m.cache.backend.ShardMembers(ctx, semanticShard)
	if err != nil {
		return
	}
	for _, member := range members {
		if _, ok := m.cache.load(ctx, member); !ok {
			_ = m.cache.backend.RemoveFromShard(ctx, semanticShard, member)
		}
	}
}
