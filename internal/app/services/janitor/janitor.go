// Package janitor periodically releases request slots whose terminal state
// has been observable for longer than the retention window, so their ids
// can be used again.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/system"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

const (
	DefaultSchedule  = "@every 1m"
	DefaultRetention = 24 * time.Hour
	releaseBatch     = 500
)

var _ system.Service = (*Janitor)(nil)

// Janitor is a cron-driven slot releaser.
type Janitor struct {
	runtime   *ledger.Runtime
	log       *logger.Logger
	schedule  string
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New constructs a janitor. Empty schedule and non-positive retention fall
// back to the defaults.
func New(rt *ledger.Runtime, schedule string, retention time.Duration, log *logger.Logger) (*Janitor, error) {
	if log == nil {
		log = logger.NewDefault("janitor")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return &Janitor{
		runtime:   rt,
		log:       log,
		schedule:  schedule,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (j *Janitor) Name() string { return "janitor" }

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}
	j.baseCtx, j.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(j.schedule, j.run); err != nil {
		j.cancel()
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.log.WithField("schedule", j.schedule).WithField("retention", j.retention.String()).Info("janitor started")
	return nil
}

func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c, cancel := j.cron, j.cancel
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		j.log.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run() {
	j.mu.Lock()
	ctx := j.baseCtx
	j.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := j.RunOnce(ctx); err != nil {
		j.log.WithError(err).Warn("release terminal requests")
	}
}

// RunOnce releases every terminal slot older than the retention window.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	total := 0
	for {
		n, err := j.runtime.ReleaseResolvedBefore(ctx, cutoff, releaseBatch)
		total += n
		if err != nil {
			return total, err
		}
		if n < releaseBatch {
			break
		}
	}
	if total > 0 {
		j.log.WithField("released", total).Info("released terminal request slots")
	}
	return total, nil
}
