// Package rewards defines the callback contract the domain layer
// supplies for turning elapsed activity time into earned rewards, plus
// the deterministic reference calculator the daemon and tests use.
package rewards

import (
	"github.com/macaw2000/taskforge/queue"
)

// SkillCategory is the top level of the two-level skill map.
type SkillCategory string

const (
	CategoryHarvesting SkillCategory = "harvesting"
	CategoryCrafting   SkillCategory = "crafting"
	CategoryCombat     SkillCategory = "combat"
)

// Skill identifies one skill inside a category, e.g. "clockmaking"
// under crafting.
type Skill string

// PlayerStats is the snapshot of a player the calculator sees.
type PlayerStats struct {
	Level  int                             `json:"level"`
	Skills map[SkillCategory]map[Skill]int `json:"skills,omitempty"`
}

// SkillLevel looks up a skill, returning 0 when absent.
func (p PlayerStats) SkillLevel(category SkillCategory, skill Skill) int {
	if levels, ok := p.Skills[category]; ok {
		return levels[skill]
	}
	return 0
}

// Calculator computes rewards for elapsed activity time. It MUST be
// deterministic in its inputs: the scheduler and the offline
// reconciler both call it and their totals must agree.
type Calculator interface {
	ComputeRewards(taskType queue.TaskType, activity queue.ActivityData, elapsedMinutes int64, stats PlayerStats) ([]queue.Reward, error)
}

// Func adapts a plain function to the Calculator interface.
type Func func(taskType queue.TaskType, activity queue.ActivityData, elapsedMinutes int64, stats PlayerStats) ([]queue.Reward, error)

// ComputeRewards implements Calculator.
func (f Func) ComputeRewards(taskType queue.TaskType, activity queue.ActivityData, elapsedMinutes int64, stats PlayerStats) ([]queue.Reward, error) {
	return f(taskType, activity, elapsedMinutes, stats)
}
