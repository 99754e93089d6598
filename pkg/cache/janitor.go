package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSpec is used when no cron spec is configured
const DefaultCleanupSpec = "@every 5m"

// Janitor periodically removes expired entries from long lived processes.
// Lambda handlers do not need one.
type Janitor struct {
	cron    *cron.Cron
	targets []Cleaner
}

// NewJanitor schedules Cleanup on every target that implements Cleaner.
func NewJanitor(spec string, caches ...Cache) (*Janitor, error) {
	if spec == "" {
		spec = DefaultCleanupSpec
	}

	j := &Janitor{cron: cron.New()}
	for _, c := range caches {
		if cl, ok := c.(Cleaner); ok {
			j.targets = append(j.targets, cl)
		}
	}

	if _, err := j.cron.AddFunc(spec, j.RunNow); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	return j, nil
}

// RunNow sweeps every target once
func (j *Janitor) RunNow() {
	for _, t := range j.targets {
		t.Cleanup()
	}
	slog.Debug("Cache cleanup completed", "targets", len(j.targets))
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and returns a context that is done once a running sweep finishes
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}
