package agent

import (
	"runtime"

	"github.com/brandpulse/engine/internal/pipeline"
)

// Load is the host's execution picture at sampling time.
type Load struct {
	Active      int
	Concurrency int
	Completed   int
	Failed      int
}

// HealthSampler produces the health snapshot attached to status updates.
type HealthSampler interface {
	Sample(load Load) pipeline.HealthSnapshot
}

// defaultMemoryBudget is the heap size treated as 100% memory usage when no
// budget is configured.
const defaultMemoryBudget = 512 << 20

// RuntimeSampler reports Go heap usage against a fixed budget and uses the
// busy ratio (active tasks over concurrency) as the CPU figure, since the
// host has no portable per-process CPU counter.
type RuntimeSampler struct {
	MemoryBudgetBytes uint64
}

func (r RuntimeSampler) Sample(load Load) pipeline.HealthSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	budget := r.MemoryBudgetBytes
	if budget == 0 {
		budget = defaultMemoryBudget
	}
	mem := float64(ms.HeapAlloc) / float64(budget)
	if mem > 1 {
		mem = 1
	}

	busy := 0.0
	if load.Concurrency > 0 {
		busy = float64(load.Active) / float64(load.Concurrency) * 100
	}

	return pipeline.HealthSnapshot{
		CPUUsage:       busy,
		MemoryUsage:    mem,
		ActiveTasks:    load.Active,
		CompletedTasks: load.Completed,
		FailedTasks:    load.Failed,
		Healthy:        true,
	}
}

// FixedSampler returns the same snapshot every time, with counts filled from
// the live load. Intended for tests and controlled benchmarks.
type FixedSampler struct {
	CPU     float64
	Memory  float64
	Healthy bool
}

func (f FixedSampler) Sample(load Load) pipeline.HealthSnapshot {
	return pipeline.HealthSnapshot{
		CPUUsage:       f.CPU,
		MemoryUsage:    f.Memory,
		ActiveTasks:    load.Active,
		CompletedTasks: load.Completed,
		FailedTasks:    load.Failed,
		Healthy:        f.Healthy,
	}
}
