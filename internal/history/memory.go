package history

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 5000

// Memory keeps records in a bounded in-process buffer. Suitable for tests
// and single-node runs without Postgres.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	records  map[string]TaskRecord
	rollups  map[rollupKey]MetricRollup
}

type rollupKey struct {
	bucket     int64
	workerType string
	kind       string
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		records:  make(map[string]TaskRecord),
		rollups:  make(map[rollupKey]MetricRollup),
	}
}

func (m *Memory) RecordTask(ctx context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.TaskID]; !exists {
		m.order = append(m.order, rec.TaskID)
		if len(m.order) > m.capacity {
			evicted := m.order[0]
			m.order = m.order[1:]
			delete(m.records, evicted)
		}
	}
	m.records[rec.TaskID] = rec
	return nil
}

func (m *Memory) RecordMetrics(ctx context.Context, rolls []MetricRollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, roll := range rolls {
		key := rollupKey{
			bucket:     roll.Bucket.Unix(),
			workerType: string(roll.WorkerType),
			kind:       string(roll.Kind),
		}
		if prev, ok := m.rollups[key]; ok {
			total := prev.Completed + prev.Failed + roll.Completed + roll.Failed
			if total > 0 {
				prevN := float64(prev.Completed + prev.Failed)
				rollN := float64(roll.Completed + roll.Failed)
				roll.AvgDurationMS = (prev.AvgDurationMS*prevN + roll.AvgDurationMS*rollN) / float64(total)
			}
			roll.Completed += prev.Completed
			roll.Failed += prev.Failed
		}
		m.rollups[key] = roll
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[taskID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

func (m *Memory) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	// Newest first, matching the Postgres ordering.
	var out []TaskRecord
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec, ok := m.records[m.order[i]]
		if !ok {
			continue
		}
		if filter.WorkerType != "" && rec.WorkerType != filter.WorkerType {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Rollups returns every stored rollup, for tests and debug endpoints.
func (m *Memory) Rollups() []MetricRollup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MetricRollup, 0, len(m.rollups))
	for _, roll := range m.rollups {
		out = append(out, roll)
	}
	return out
}
