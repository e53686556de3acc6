// Package reaper interrupts launches that stopped reporting.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reportline/internal/engine"
	"reportline/internal/repo"
	"reportline/internal/telemetry"
)

const actor = "reaper"

// Report summarises one pass.
type Report struct {
	Candidates  int      `json:"candidates"`
	Interrupted int      `json:"interrupted"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	Launches    []string `json:"interrupted_launches,omitempty"`
}

type Reaper struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Workers  int
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *telemetry.Pipeline
	Now      func() time.Time
}

func (r Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Reaper) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// RunOnce interrupts every in-progress launch that has been idle longer
// than its project's interrupt_job_time. Per-launch failures are logged
// and counted; they never abort the pass. Only listing errors are returned.
func (r Reaper) RunOnce(ctx context.Context) (Report, error) {
	now := r.now()
	candidates, err := r.Repo.ListReapCandidates(ctx, now)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Candidates: len(candidates)}
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range candidates {
		g.Go(func() error {
			l, interrupted, err := r.Engine.InterruptLaunch(gctx, engine.InterruptOptions{
				LaunchID:  c.Launch.ID,
				IdleSince: now.Add(-c.Timeout),
				Actor:     actor,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				rep.Failed++
				r.log().Error("interrupt launch failed", "launch_uuid", c.Launch.UUID, "err", err)
			case interrupted:
				rep.Interrupted++
				rep.Launches = append(rep.Launches, l.UUID)
				r.log().Info("launch interrupted", "launch_uuid", l.UUID, "timeout", c.Timeout)
			default:
				rep.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	r.Metrics.Reaped(ctx, rep.Interrupted, rep.Failed)
	return rep, nil
}

// Run calls RunOnce every Interval until ctx is done.
func (r Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log().Warn("reaper pass failed", "err", err)
				continue
			}
			if rep.Candidates > 0 {
				r.log().Debug("reaper pass", "candidates", rep.Candidates, "interrupted", rep.Interrupted, "failed", rep.Failed)
			}
		}
	}
}
