package registry

import (
	"context"
	"log"
	"time"
)

// Sweep removes sessions that are stale with a dead (or unknown) host
// process, and sessions older than the maximum age regardless of
// liveness. A stale record whose pid is still alive is kept: the agent
// may simply be quiet.
func (r *Registry) Sweep(ctx context.Context) {
	done := make(chan struct{})
	err := r.send(ctx, func(r *Registry) {
		defer close(done)
		now := r.now()
		for id, rec := range r.records {
			if r.cfg.MaxSessionAge > 0 && rec.Age(now) > r.cfg.MaxSessionAge {
				log.Printf("INFO registry: sweeping session %s (age %s)", id.Short(), rec.Age(now).Round(time.Second))
				r.remove(id, ReasonMaxAge)
				continue
			}
			if !rec.IsStale(now, r.cfg.StaleThreshold) {
				continue
			}
			if pid, ok := r.pids[id]; ok && r.pidAlive(pid) {
				continue
			}
			log.Printf("INFO registry: sweeping stale session %s (last activity %s ago)",
				id.Short(), now.Sub(rec.LastActivity).Round(time.Second))
			r.remove(id, ReasonStale)
		}
	})
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RunSweeper triggers Sweep every cleanup interval until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context) {
	interval := r.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
