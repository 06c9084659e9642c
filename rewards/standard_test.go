package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/taskerr"
)

func harvestActivity() queue.ActivityData {
	return queue.ActivityData{
		Harvesting: &queue.HarvestingData{ActivityID: "copper", ResourceType: "ore", BaseRate: 10, SkillLevel: 10},
	}
}

func TestHarvestingExperienceFormula(t *testing.T) {
	calc := NewStandard()
	out, err := calc.ComputeRewards(queue.TaskHarvesting, harvestActivity(), 90, PlayerStats{})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, queue.RewardExperience, out[0].Kind)
	assert.EqualValues(t, 1800, out[0].Quantity, "⌊90 · 10 · (1 + 10·0.1)⌋")
}

func TestComputeRewardsIsDeterministic(t *testing.T) {
	calc := NewStandard()
	stats := PlayerStats{Level: 7}

	first, err := calc.ComputeRewards(queue.TaskHarvesting, harvestActivity(), 45, stats)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := calc.ComputeRewards(queue.TaskHarvesting, harvestActivity(), 45, stats)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRewardsAreLinearInMinutes(t *testing.T) {
	calc := NewStandard()
	stats := PlayerStats{Level: 3}

	total := map[queue.RewardKind]int64{}
	for i := 0; i < 60; i++ {
		out, err := calc.ComputeRewards(queue.TaskCombat, queue.ActivityData{
			Combat: &queue.CombatData{EnemyID: "automaton", EnemyLevel: 5, SkillLevel: 4},
		}, 1, stats)
		require.NoError(t, err)
		for _, r := range out {
			total[r.Kind] += r.Quantity
		}
	}

	oneShot, err := calc.ComputeRewards(queue.TaskCombat, queue.ActivityData{
		Combat: &queue.CombatData{EnemyID: "automaton", EnemyLevel: 5, SkillLevel: 4},
	}, 60, stats)
	require.NoError(t, err)
	oneShotTotal := map[queue.RewardKind]int64{}
	for _, r := range oneShot {
		oneShotTotal[r.Kind] += r.Quantity
	}
	assert.Equal(t, oneShotTotal, total, "minute-by-minute equals one-shot")
}

func TestCraftingCumulativeDifferencesMatchOneShot(t *testing.T) {
	calc := NewStandard()
	stats := PlayerStats{Level: 3}
	activity := queue.ActivityData{
		Crafting: &queue.CraftingData{RecipeID: "clockwork-gear", QualityBonus: 0.5, SkillLevel: 5},
	}
	aggregate := func(rs []queue.Reward) map[queue.RewardKind]int64 {
		out := map[queue.RewardKind]int64{}
		for _, r := range rs {
			out[r.Kind] += r.Quantity
		}
		return out
	}

	oneShot, err := calc.ComputeRewards(queue.TaskCrafting, activity, 90, stats)
	require.NoError(t, err)

	// Awarding cumulative differences minute by minute telescopes to
	// the one-shot result, batch items included.
	sum := map[queue.RewardKind]int64{}
	prev := map[queue.RewardKind]int64{}
	for m := int64(1); m <= 90; m++ {
		out, err := calc.ComputeRewards(queue.TaskCrafting, activity, m, stats)
		require.NoError(t, err)
		totals := aggregate(out)
		for kind, qty := range totals {
			sum[kind] += qty - prev[kind]
		}
		prev = totals
	}

	assert.Equal(t, aggregate(oneShot), sum)
	assert.EqualValues(t, 3, sum[queue.RewardItem])
}

func TestCraftingBatches(t *testing.T) {
	calc := NewStandard()
	activity := queue.ActivityData{
		Crafting: &queue.CraftingData{RecipeID: "clockwork-gear", QualityBonus: 0.5, SkillLevel: 5},
	}

	out, err := calc.ComputeRewards(queue.TaskCrafting, activity, 90, PlayerStats{})
	require.NoError(t, err)
	kinds := map[queue.RewardKind]int64{}
	for _, r := range out {
		kinds[r.Kind] += r.Quantity
	}
	assert.EqualValues(t, 1080, kinds[queue.RewardExperience], "⌊90 · 8 · 1.5⌋")
	assert.EqualValues(t, 270, kinds[queue.RewardCurrency], "90 · 2 · 1.5")
	assert.EqualValues(t, 3, kinds[queue.RewardItem], "one batch per 30 minutes")
}

func TestZeroMinutesAwardsNothing(t *testing.T) {
	calc := NewStandard()
	out, err := calc.ComputeRewards(queue.TaskHarvesting, harvestActivity(), 0, PlayerStats{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMissingPayloadIsValidationError(t *testing.T) {
	calc := NewStandard()
	_, err := calc.ComputeRewards(queue.TaskCombat, harvestActivity(), 5, PlayerStats{})
	assert.True(t, taskerr.IsCode(err, taskerr.CodeValMissingField))

	_, err = calc.ComputeRewards("gardening", harvestActivity(), 5, PlayerStats{})
	assert.True(t, taskerr.IsCode(err, taskerr.CodeValBadEnum))
}

func TestSkillLevelLookup(t *testing.T) {
	stats := PlayerStats{
		Level: 12,
		Skills: map[SkillCategory]map[Skill]int{
			CategoryCrafting: {"clockmaking": 9},
		},
	}
	assert.Equal(t, 9, stats.SkillLevel(CategoryCrafting, "clockmaking"))
	assert.Equal(t, 0, stats.SkillLevel(CategoryCrafting, "smithing"))
	assert.Equal(t, 0, stats.SkillLevel(CategoryCombat, "melee"))
}
