package scheduler_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/scheduler"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestSelectNext_Empty(t *testing.T) {
	_, ok := scheduler.SelectNext(nil, "m1", t0)
	assert.False(t, ok)
}

// Earliest arrival wins when nothing is loaded.
func TestSelectNext_ScenarioA(t *testing.T) {
	job1 := pendingJob(strPtr("m1"), at(0))
	job2 := pendingJob(strPtr("m2"), at(1))

	sel, ok := scheduler.SelectNext([]*models.Job{job2, job1}, "", at(2))
	require.True(t, ok)
	assert.Equal(t, job1.ID, sel.Job.ID)
	assert.True(t, sel.ShouldSwitch)
	assert.Equal(t, models.SwitchReasonNoModelLoaded, sel.Reason)
}

// Affinity beats FIFO while the other-model job has not starved.
func TestSelectNext_ScenarioB(t *testing.T) {
	job2 := pendingJob(strPtr("m2"), at(1))
	job3 := pendingJob(strPtr("m1"), at(5))

	sel, ok := scheduler.SelectNext([]*models.Job{job2, job3}, "m1", at(10))
	require.True(t, ok)
	assert.Equal(t, job3.ID, sel.Job.ID)
	assert.False(t, sel.ShouldSwitch)
	assert.Equal(t, models.SwitchReasonSameModel, sel.Reason)
}

// A starved job overrides affinity.
func TestSelectNext_ScenarioC(t *testing.T) {
	job2 := pendingJob(strPtr("m2"), at(1))
	job3 := pendingJob(strPtr("m1"), at(5))

	sel, ok := scheduler.SelectNext([]*models.Job{job2, job3}, "m1", at(125))
	require.True(t, ok)
	assert.Equal(t, job2.ID, sel.Job.ID)
	assert.True(t, sel.ShouldSwitch)
	assert.Equal(t, models.SwitchReasonMaxWaitExceeded, sel.Reason)
}

func TestSelectNext_WaitExactlyMaxIsNotStarved(t *testing.T) {
	job2 := pendingJob(strPtr("m2"), at(0))
	job3 := pendingJob(strPtr("m1"), at(5))

	sel, ok := scheduler.SelectNext([]*models.Job{job2, job3}, "m1", at(120))
	require.True(t, ok)
	assert.Equal(t, job3.ID, sel.Job.ID)
}

func TestSelectNext_StarvedSameModelJobDoesNotOverride(t *testing.T) {
	old := pendingJob(strPtr("m1"), at(0))
	urgent := pendingJob(strPtr("m1"), at(200))
	urgent.Priority = 10

	sel, ok := scheduler.SelectNext([]*models.Job{old, urgent}, "m1", at(300))
	require.True(t, ok)
	assert.Equal(t, urgent.ID, sel.Job.ID)
	assert.Equal(t, models.SwitchReasonSameModel, sel.Reason)
}

func TestSelectNext_OldestStarvedWins(t *testing.T) {
	a := pendingJob(strPtr("m2"), at(10))
	b := pendingJob(strPtr("m3"), at(5))
	b.MaxWaitSeconds = 30
	c := pendingJob(nil, at(0))
	c.MaxWaitSeconds = 500

	sel, ok := scheduler.SelectNext([]*models.Job{a, b, c}, "m1", at(200))
	require.True(t, ok)
	assert.Equal(t, b.ID, sel.Job.ID)
	assert.Equal(t, models.SwitchReasonMaxWaitExceeded, sel.Reason)
}

func TestSelectNext_NilModelStarvesAgainstAnyLoadedModel(t *testing.T) {
	anyModel := pendingJob(nil, at(0))
	same := pendingJob(strPtr("m1"), at(100))

	sel, ok := scheduler.SelectNext([]*models.Job{anyModel, same}, "m1", at(121))
	require.True(t, ok)
	assert.Equal(t, anyModel.ID, sel.Job.ID)
	assert.Equal(t, models.SwitchReasonMaxWaitExceeded, sel.Reason)
}

func TestSelectNext_UseDefault(t *testing.T) {
	job := pendingJob(nil, at(0))

	sel, ok := scheduler.SelectNext([]*models.Job{job}, "m1", at(1))
	require.True(t, ok)
	assert.True(t, sel.ShouldSwitch)
	assert.Equal(t, models.SwitchReasonUseDefault, sel.Reason)
}

func TestSelectNext_NoModelLoadedTakesPrecedenceOverUseDefault(t *testing.T) {
	job := pendingJob(nil, at(0))

	sel, ok := scheduler.SelectNext([]*models.Job{job}, "", at(1))
	require.True(t, ok)
	assert.Equal(t, models.SwitchReasonNoModelLoaded, sel.Reason)
}

func TestSelectNext_NoSameModelJobs(t *testing.T) {
	low := pendingJob(strPtr("m2"), at(0))
	high := pendingJob(strPtr("m3"), at(3))
	high.Priority = 5

	sel, ok := scheduler.SelectNext([]*models.Job{low, high}, "m1", at(4))
	require.True(t, ok)
	assert.Equal(t, high.ID, sel.Job.ID)
	assert.True(t, sel.ShouldSwitch)
	assert.Equal(t, models.SwitchReasonNoSameModelJobs, sel.Reason)
}

func TestSelectNext_PriorityThenArrivalWithinModel(t *testing.T) {
	first := pendingJob(strPtr("m1"), at(0))
	second := pendingJob(strPtr("m1"), at(1))
	urgent := pendingJob(strPtr("m1"), at(2))
	urgent.Priority = 3
	otherUrgent := pendingJob(strPtr("m2"), at(0))
	otherUrgent.Priority = 100

	pending := []*models.Job{second, otherUrgent, first, urgent}

	sel, ok := scheduler.SelectNext(pending, "m1", at(3))
	require.True(t, ok)
	assert.Equal(t, urgent.ID, sel.Job.ID)

	pending = []*models.Job{second, otherUrgent, first}
	sel, ok = scheduler.SelectNext(pending, "m1", at(3))
	require.True(t, ok)
	assert.Equal(t, first.ID, sel.Job.ID)
}

func TestSelectNext_TieBrokenByID(t *testing.T) {
	a := pendingJob(strPtr("m1"), at(0))
	b := pendingJob(strPtr("m1"), at(0))
	a.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	for _, pending := range [][]*models.Job{{a, b}, {b, a}} {
		sel, ok := scheduler.SelectNext(pending, "m1", at(1))
		require.True(t, ok)
		assert.Equal(t, a.ID, sel.Job.ID)
	}
}

func TestSelectNext_DoesNotReorderInput(t *testing.T) {
	a := pendingJob(strPtr("m2"), at(0))
	b := pendingJob(strPtr("m1"), at(1))
	pending := []*models.Job{a, b}

	_, ok := scheduler.SelectNext(pending, "m1", at(2))
	require.True(t, ok)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)
}

// randomPending builds a pending set over a small model alphabet.
func randomPending(r *rand.Rand, now time.Time) []*models.Job {
	names := []*string{nil, strPtr("m1"), strPtr("m2"), strPtr("m3")}
	n := 1 + r.IntN(12)
	out := make([]*models.Job, n)
	for i := range out {
		j := pendingJob(names[r.IntN(len(names))], now.Add(-time.Duration(r.IntN(400))*time.Second))
		j.Priority = r.IntN(7) - 3
		j.MaxWaitSeconds = 30 + r.IntN(300)
		out[i] = j
	}
	return out
}

func TestSelectNext_AffinityInvariant(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	now := at(10_000)
	checked := 0

	for i := 0; i < 5000; i++ {
		pending := randomPending(r, now)
		current := []string{"", "m1", "m2"}[r.IntN(3)]

		hasMatch, anyStarved := false, false
		for _, j := range pending {
			if j.WantsModel(current) {
				hasMatch = true
			}
			if j.Waited(now) > time.Duration(j.MaxWaitSeconds)*time.Second {
				anyStarved = true
			}
		}
		if !hasMatch || anyStarved {
			continue
		}
		checked++

		sel, ok := scheduler.SelectNext(pending, current, now)
		require.True(t, ok)
		require.True(t, sel.Job.WantsModel(current), "picked %v with %q loaded", sel.Job.RequestedModel, current)
		require.False(t, sel.ShouldSwitch)
	}
	assert.Positive(t, checked)
}

func TestSelectNext_StarvationBound(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	now := at(10_000)

	for i := 0; i < 5000; i++ {
		pending := randomPending(r, now)
		current := []string{"", "m1", "m2"}[r.IntN(3)]

		var oldest *models.Job
		for _, j := range pending {
			if j.WantsModel(current) || j.Waited(now) <= time.Duration(j.MaxWaitSeconds)*time.Second {
				continue
			}
			if oldest == nil || j.QueuedAt.Before(oldest.QueuedAt) {
				oldest = j
			}
		}

		sel, ok := scheduler.SelectNext(pending, current, now)
		require.True(t, ok)
		if oldest != nil {
			require.Equal(t, models.SwitchReasonMaxWaitExceeded, sel.Reason)
			require.True(t, sel.Job.QueuedAt.Equal(oldest.QueuedAt))
		} else {
			require.NotEqual(t, models.SwitchReasonMaxWaitExceeded, sel.Reason)
		}
	}
}
