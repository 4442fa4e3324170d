package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	processCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ironchat_process_cpu_percent",
		Help: "Process CPU usage percentage.",
	})
	processRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ironchat_process_rss_bytes",
		Help: "Process resident set size.",
	})
	goroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ironchat_goroutines",
		Help: "Current goroutine count.",
	})
)

// SystemSampler periodically measures process CPU, RSS, and goroutine count,
// exporting them as gauges. One sampler per process.
type SystemSampler struct {
	proc   *process.Process
	logger zerolog.Logger
}

// NewSystemSampler returns a sampler for the current process. Returns an
// error when the process handle cannot be opened (never expected on
// supported platforms).
func NewSystemSampler(logger zerolog.Logger) (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemSampler{
		proc:   proc,
		logger: logger.With().Str("component", "system_sampler").Logger(),
	}, nil
}

// Run samples every interval until ctx is cancelled.
func (s *SystemSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (s *SystemSampler) sample() {
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		s.logger.Debug().Err(err).Msg("cpu sample failed")
		cpu = 0
	}
	var rss uint64
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	goroutines := runtime.NumGoroutine()

	processCPUPercent.Set(cpu)
	processRSSBytes.Set(float64(rss))
	goroutineCount.Set(float64(goroutines))

	s.logger.Debug().
		Float64("cpu_percent", cpu).
		Uint64("rss_bytes", rss).
		Int("goroutines", goroutines).
		Msg("system sample")
}
