package scheduler

import (
	"context"

	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
)

// Reward accrual caps at 24 hours of elapsed activity per advancement.
const maxOfflineMinutes = 1440

// accrueWindow awards the current activity's rewards for the whole
// minutes between the reward watermark and boundary, bounded by the
// remaining minute budget. Sub-minute remainders stay behind the
// watermark and carry into the next advancement. The calculator is
// called with the task's cumulative minutes and the award is the
// difference from the previous cumulative result, so floors and batch
// thresholds (a crafting batch every 30 minutes) pay out identically
// whether the span arrives one minute or one day at a time. Returns
// the minutes awarded.
func (s *Scheduler) accrueWindow(q *queue.TaskQueue, cur *queue.Task, boundaryMS, budgetMinutes int64) (int64, error) {
	watermark := q.LastSyncedMS
	if watermark <= 0 {
		watermark = q.LastUpdatedMS
	}
	// Idle time before the task started earns nothing.
	if watermark < cur.StartTimeMS {
		watermark = cur.StartTimeMS
	}

	minutes := (boundaryMS - watermark) / 60_000
	if minutes > budgetMinutes {
		// Time beyond the cap is forfeited, not deferred.
		q.LastSyncedMS = boundaryMS
		minutes = budgetMinutes
	}
	if minutes < 1 {
		if q.LastSyncedMS <= 0 {
			q.LastSyncedMS = watermark
		}
		return 0, nil
	}

	stats := s.stats(q.PlayerID)
	cumulative, err := s.calc.ComputeRewards(cur.Type, cur.Activity, cur.AccruedMinutes+minutes, stats)
	if err != nil {
		return 0, err
	}
	var previous []queue.Reward
	if cur.AccruedMinutes > 0 {
		previous, err = s.calc.ComputeRewards(cur.Type, cur.Activity, cur.AccruedMinutes, stats)
		if err != nil {
			return 0, err
		}
	}
	earned := diffRewards(cumulative, previous)
	cur.AccruedMinutes += minutes

	cur.Rewards = append(cur.Rewards, earned...)
	q.Totals.RewardsEarned = append(q.Totals.RewardsEarned, earned...)
	if q.LastSyncedMS != boundaryMS {
		q.LastSyncedMS = watermark + minutes*60_000
	}
	observability.OfflineMinutesReconciled.Observe(float64(minutes))
	return minutes, nil
}

// diffRewards returns the rewards in cumulative that exceed previous,
// aggregated per (kind, item). Quantities never regress because the
// calculator is deterministic and monotone in minutes.
func diffRewards(cumulative, previous []queue.Reward) []queue.Reward {
	type rewardKey struct {
		kind   queue.RewardKind
		itemID string
	}
	prior := make(map[rewardKey]int64, len(previous))
	for _, r := range previous {
		prior[rewardKey{r.Kind, r.ItemID}] += r.Quantity
	}
	total := make(map[rewardKey]int64, len(cumulative))
	for _, r := range cumulative {
		total[rewardKey{r.Kind, r.ItemID}] += r.Quantity
	}

	var out []queue.Reward
	seen := make(map[rewardKey]bool, len(total))
	for _, r := range cumulative {
		k := rewardKey{r.Kind, r.ItemID}
		if seen[k] {
			continue
		}
		seen[k] = true
		if delta := total[k] - prior[k]; delta > 0 {
			out = append(out, queue.Reward{Kind: r.Kind, Quantity: delta, ItemID: r.ItemID})
		}
	}
	return out
}

// ReconcileOffline awards progress for the gap between a queue's last
// update and now, then persists. Elapsed tasks complete with chained
// start times and the reward accrual covers at most 24 hours of the
// gap; a gap within that cap pays out exactly as live ticking would
// have, and the minutes beyond it are forfeited.
func (s *Scheduler) ReconcileOffline(ctx context.Context, playerID string) (*queue.TaskQueue, error) {
	now := s.clock()
	q, err := s.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		if !q.Config.OfflineProcessingEnabled {
			return nil
		}
		before := q.Totals
		s.Advance(q, now)
		if q.Totals.TasksCompleted != before.TasksCompleted ||
			len(q.Totals.RewardsEarned) != len(before.RewardsEarned) {
			q.RecordEvent(queue.Event{Type: queue.EventReconciled, TimestampMS: now})
		}
		return nil
	}, persistence.SaveOptions{})
	if err != nil {
		return nil, err
	}
	s.mgr.InvalidateStats(playerID)
	return q, nil
}
