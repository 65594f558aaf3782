package resource

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/oraflow/mend/internal/events"
)

// PressureChange is published on the bus when RAM usage crosses the critical
// threshold in either direction.
type PressureChange struct {
	RAMPercent float64 `json:"ram_percent"`
	Critical   bool    `json:"critical"`
}

// Sampler periodically refreshes the Store with local machine metrics and
// raises edge-triggered pressure notifications.
type Sampler struct {
	logger    *zap.Logger
	store     *Store
	bus       *events.Bus
	interval  time.Duration
	threshold float64

	critical bool
}

// NewSampler builds a sampler writing into store every interval. threshold is
// the RAM percentage above which the host counts as under critical pressure.
func NewSampler(logger *zap.Logger, store *Store, bus *events.Bus, interval time.Duration, threshold float64) *Sampler {
	return &Sampler{
		logger:    logger.Named("sampler"),
		store:     store,
		bus:       bus,
		interval:  interval,
		threshold: threshold,
	}
}

// Run samples until ctx is cancelled. An immediate sample is taken before the
// first tick so the admission controller never starts on stale zeros.
func (s *Sampler) Run(ctx context.Context) error {
	s.sample(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.logger.Warn("Failed to sample memory", zap.Error(err))
		return
	}

	// Interval 0 measures since the previous call, keeping sample() cheap.
	var cpuPercent float64
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		s.logger.Warn("Failed to sample CPU", zap.Error(err))
	} else if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	s.store.SetHostSample(HostSample{
		RAMPercent: vm.UsedPercent,
		CPUPercent: cpuPercent,
		SampledAt:  time.Now().UTC(),
	})

	critical := vm.UsedPercent >= s.threshold
	if critical != s.critical {
		s.critical = critical
		s.logger.Warn("RAM pressure state changed",
			zap.Float64("ram_percent", vm.UsedPercent),
			zap.Bool("critical", critical))
		s.bus.Publish(events.TypeResourcePressure, PressureChange{
			RAMPercent: vm.UsedPercent,
			Critical:   critical,
		})
	}
}
