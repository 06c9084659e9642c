package rewards

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/taskerr"
)

// Standard is the reference calculator. Experience follows
//
//	xp = ⌊minutes · base_rate · (1 + skill_level · 0.1)⌋
//
// and drop quantities scale with elapsed minutes from a rate rolled on
// an RNG seeded by the activity (for combat, also the player's level),
// so the same inputs always yield
// the same rewards. Quantities are monotone in minutes; crafting batch
// items quantize at 30-minute boundaries. The scheduler calls this
// with a task's cumulative minutes and awards the difference between
// successive results, which is what makes live ticking and offline
// reconciliation pay out identically.
type Standard struct{}

// NewStandard returns the reference calculator.
func NewStandard() *Standard { return &Standard{} }

// ComputeRewards implements Calculator.
func (s *Standard) ComputeRewards(taskType queue.TaskType, activity queue.ActivityData, elapsedMinutes int64, stats PlayerStats) ([]queue.Reward, error) {
	if elapsedMinutes <= 0 {
		return nil, nil
	}
	switch taskType {
	case queue.TaskHarvesting:
		if activity.Harvesting == nil {
			return nil, taskerr.New(taskerr.CodeValMissingField, "harvesting task has no harvesting payload")
		}
		return s.harvesting(activity.Harvesting, elapsedMinutes), nil
	case queue.TaskCrafting:
		if activity.Crafting == nil {
			return nil, taskerr.New(taskerr.CodeValMissingField, "crafting task has no crafting payload")
		}
		return s.crafting(activity.Crafting, elapsedMinutes), nil
	case queue.TaskCombat:
		if activity.Combat == nil {
			return nil, taskerr.New(taskerr.CodeValMissingField, "combat task has no combat payload")
		}
		return s.combat(activity.Combat, elapsedMinutes, stats), nil
	default:
		return nil, taskerr.New(taskerr.CodeValBadEnum, "unknown task type "+string(taskType))
	}
}

func (s *Standard) harvesting(h *queue.HarvestingData, minutes int64) []queue.Reward {
	xp := experience(minutes, h.BaseRate, h.SkillLevel)

	// Yield per minute is a fixed roll for the activity, so the total
	// scales linearly with elapsed time.
	rng := seededRNG("harvest", h.ActivityID, h.SkillLevel)
	perMinute := int64(1 + rng.Intn(3))

	return []queue.Reward{
		{Kind: queue.RewardExperience, Quantity: xp},
		{Kind: queue.RewardResource, Quantity: minutes * perMinute, ItemID: h.ResourceType},
	}
}

func (s *Standard) crafting(c *queue.CraftingData, minutes int64) []queue.Reward {
	xp := experience(minutes, 8, c.SkillLevel)
	currency := int64(float64(minutes) * 2 * (1 + c.QualityBonus))
	out := []queue.Reward{
		{Kind: queue.RewardExperience, Quantity: xp},
		{Kind: queue.RewardCurrency, Quantity: currency},
	}
	// Finished pieces come out in whole batches per 30 cumulative
	// minutes; the accrual layer differences successive totals so
	// batches are never lost to call granularity.
	if batches := minutes / 30; batches > 0 {
		out = append(out, queue.Reward{Kind: queue.RewardItem, Quantity: batches, ItemID: c.RecipeID})
	}
	return out
}

func (s *Standard) combat(c *queue.CombatData, minutes int64, stats PlayerStats) []queue.Reward {
	base := 12.0 * (1 + float64(c.EnemyLevel)*0.05)
	xp := experience(minutes, base, c.SkillLevel)

	rng := seededRNG("combat", c.EnemyID, c.SkillLevel+stats.Level)
	lootPerMinute := int64(5 + rng.Intn(20))

	return []queue.Reward{
		{Kind: queue.RewardExperience, Quantity: xp},
		{Kind: queue.RewardCurrency, Quantity: minutes * lootPerMinute},
	}
}

func experience(minutes int64, baseRate float64, skillLevel int) int64 {
	return int64(math.Floor(float64(minutes) * baseRate * (1 + float64(skillLevel)*0.1)))
}

// seededRNG derives a deterministic source from the activity identity.
func seededRNG(kind, id string, level int) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", kind, id, level)
	return rand.New(rand.NewSource(int64(h.Sum64())))
}
