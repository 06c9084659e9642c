package manager

import (
	"context"
	"sync"
	"time"

	"github.com/macaw2000/taskforge/queue"
)

// Statistics is the on-demand derived view of a queue.
type Statistics struct {
	PlayerID              string  `json:"player_id"`
	TasksCompleted        int64   `json:"tasks_completed"`
	TimeSpentMS           int64   `json:"time_spent_ms"`
	QueuedCount           int     `json:"queued_count"`
	CurrentTaskID         string  `json:"current_task_id,omitempty"`
	AverageTaskDurationMS int64   `json:"average_task_duration_ms"`
	CompletionRate        float64 `json:"completion_rate"`
	EfficiencyScore       float64 `json:"efficiency_score"`
	ErrorRate             float64 `json:"error_rate"`
	UptimeMS              int64   `json:"uptime_ms"`
	EstimatedCompletionMS int64   `json:"estimated_completion_ms"`
	ComputedAtMS          int64   `json:"computed_at_ms"`
}

type statsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedStats
}

type cachedStats struct {
	stats    Statistics
	cachedAt time.Time
}

func newStatsCache(ttl time.Duration) *statsCache {
	return &statsCache{ttl: ttl, entries: make(map[string]cachedStats)}
}

func (c *statsCache) get(playerID string) (Statistics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[playerID]
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return Statistics{}, false
	}
	return e.stats, true
}

func (c *statsCache) put(playerID string, s Statistics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[playerID] = cachedStats{stats: s, cachedAt: time.Now()}
}

func (c *statsCache) invalidate(playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, playerID)
}

// SetStatsTTL overrides the statistics cache TTL. The engine extends
// it while the system is shedding load.
func (m *Manager) SetStatsTTL(ttl time.Duration) {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	m.stats.ttl = ttl
}

// Statistics computes (or returns cached) derived stats for a player.
func (m *Manager) Statistics(ctx context.Context, playerID string) (Statistics, error) {
	if cached, ok := m.stats.get(playerID); ok {
		return cached, nil
	}
	q, err := m.queues.LoadOrCreate(ctx, playerID)
	if err != nil {
		return Statistics{}, err
	}
	s := computeStatistics(q, m.clock())
	m.stats.put(playerID, s)
	return s, nil
}

// computeStatistics derives the stat block from a queue.
//
//	efficiency = 0.6·utilization + 0.4·completion_rate
//	utilization = min(1, time_spent / uptime)
//	uptime = (now − created_at) − total_pause_time
func computeStatistics(q *queue.TaskQueue, nowMS int64) Statistics {
	s := Statistics{
		PlayerID:       q.PlayerID,
		TasksCompleted: q.Totals.TasksCompleted,
		TimeSpentMS:    q.Totals.TimeSpentMS,
		QueuedCount:    len(q.QueuedTasks),
		ComputedAtMS:   nowMS,
	}
	if q.CurrentTask != nil {
		s.CurrentTaskID = q.CurrentTask.ID
	}

	uptime := (nowMS - q.CreatedAtMS) - q.TotalPauseTimeMS
	if uptime < 0 {
		uptime = 0
	}
	s.UptimeMS = uptime

	utilization := 0.0
	if uptime > 0 {
		utilization = float64(q.Totals.TimeSpentMS) / float64(uptime)
		if utilization > 1 {
			utilization = 1
		}
	}

	denominator := q.Totals.TasksCompleted + int64(len(q.QueuedTasks))
	if denominator > 0 {
		s.CompletionRate = float64(q.Totals.TasksCompleted) / float64(denominator)

		var retries int64
		if q.CurrentTask != nil {
			retries += int64(q.CurrentTask.RetryCount)
		}
		for _, t := range q.QueuedTasks {
			retries += int64(t.RetryCount)
		}
		s.ErrorRate = float64(retries) / float64(denominator)
	}
	s.EfficiencyScore = 0.6*utilization + 0.4*s.CompletionRate

	if q.Totals.TasksCompleted > 0 {
		s.AverageTaskDurationMS = q.Totals.TimeSpentMS / q.Totals.TasksCompleted
	}

	remaining := q.QueuedDurationMS()
	if cur := q.CurrentTask; cur != nil {
		left := int64(float64(cur.DurationMS) * (1 - cur.Progress))
		remaining += left
	}
	if remaining > 0 {
		s.EstimatedCompletionMS = nowMS + remaining
	}
	return s
}
