package manager

import (
	"context"
	"fmt"
)

// HealthLevel is the overall queue health classification.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// Health is the per-player health report.
type Health struct {
	Overall         HealthLevel `json:"overall"`
	IntegrityScore  int         `json:"integrity_score"`
	Issues          []string    `json:"issues,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
}

// Health validates the player's queue and classifies its condition.
func (m *Manager) Health(ctx context.Context, playerID string) (Health, error) {
	q, err := m.queues.LoadOrCreate(ctx, playerID)
	if err != nil {
		return Health{}, err
	}

	report := m.validator.Check(q)
	h := Health{Overall: HealthHealthy, IntegrityScore: report.IntegrityScore}

	for _, issue := range report.Issues {
		h.Issues = append(h.Issues, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
	}

	switch {
	case !report.CanRepair:
		h.Overall = HealthCritical
		h.Recommendations = append(h.Recommendations, "Run recovery for this player")
	case len(report.Errors()) > 0:
		h.Overall = HealthWarning
		h.Recommendations = append(h.Recommendations, "Queue will be repaired on next load")
	case len(report.Warnings()) > 0:
		h.Overall = HealthWarning
	}

	if q.IsPaused && !q.CanResume {
		h.Overall = maxLevel(h.Overall, HealthWarning)
		h.Issues = append(h.Issues, "queue is paused and cannot self-resume: "+q.PauseReason)
		h.Recommendations = append(h.Recommendations, "Resume with force once the underlying cause clears")
	}

	if q.Config.MaxQueueSize > 0 {
		fill := float64(len(q.QueuedTasks)) / float64(q.Config.MaxQueueSize)
		if fill >= 0.9 {
			h.Overall = maxLevel(h.Overall, HealthWarning)
			h.Issues = append(h.Issues, fmt.Sprintf("queue is %d%% full", int(fill*100)))
			h.Recommendations = append(h.Recommendations, "Complete or remove queued tasks before adding more")
		}
	}
	return h, nil
}

func maxLevel(a, b HealthLevel) HealthLevel {
	rank := map[HealthLevel]int{HealthHealthy: 0, HealthWarning: 1, HealthCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
