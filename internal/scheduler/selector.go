// Package scheduler runs the single inference worker: it picks the next job
// with model affinity, drives the backend, and fails abandoned jobs.
package scheduler

import (
	"bytes"
	"cmp"
	"slices"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// Selection is the Selector's decision for one poll.
type Selection struct {
	Job          *models.Job
	ShouldSwitch bool
	Reason       string
}

// SelectNext picks the next pending job given the currently loaded model
// ("" when nothing is loaded). It reports false when pending is empty.
//
// A job that has waited longer than its MaxWaitSeconds for a model other than
// the loaded one wins outright (oldest first). Otherwise jobs for the loaded
// model come first, then higher priority, then earlier arrival.
//
// SelectNext performs no I/O and does not modify pending.
func SelectNext(pending []*models.Job, currentModel string, now time.Time) (Selection, bool) {
	if len(pending) == 0 {
		return Selection{}, false
	}

	if starved := oldestStarved(pending, currentModel, now); starved != nil {
		return Selection{Job: starved, ShouldSwitch: true, Reason: models.SwitchReasonMaxWaitExceeded}, true
	}

	ordered := slices.Clone(pending)
	slices.SortStableFunc(ordered, func(a, b *models.Job) int {
		return cmp.Or(
			cmp.Compare(affinityRank(a, currentModel), affinityRank(b, currentModel)),
			cmp.Compare(b.Priority, a.Priority),
			byArrival(a, b),
		)
	})
	head := ordered[0]

	switch {
	case head.WantsModel(currentModel):
		return Selection{Job: head, Reason: models.SwitchReasonSameModel}, true
	case currentModel == "":
		return Selection{Job: head, ShouldSwitch: true, Reason: models.SwitchReasonNoModelLoaded}, true
	case head.RequestedModel == nil:
		return Selection{Job: head, ShouldSwitch: true, Reason: models.SwitchReasonUseDefault}, true
	default:
		return Selection{Job: head, ShouldSwitch: true, Reason: models.SwitchReasonNoSameModelJobs}, true
	}
}

func oldestStarved(pending []*models.Job, currentModel string, now time.Time) *models.Job {
	var oldest *models.Job
	for _, j := range pending {
		if j.WantsModel(currentModel) {
			continue
		}
		if j.Waited(now) <= time.Duration(j.MaxWaitSeconds)*time.Second {
			continue
		}
		if oldest == nil || byArrival(j, oldest) < 0 {
			oldest = j
		}
	}
	return oldest
}

func affinityRank(j *models.Job, currentModel string) int {
	if j.WantsModel(currentModel) {
		return 0
	}
	return 1
}

// byArrival orders by QueuedAt, breaking ties by ID so the choice is stable
// across polls.
func byArrival(a, b *models.Job) int {
	return cmp.Or(
		a.QueuedAt.Compare(b.QueuedAt),
		bytes.Compare(a.ID[:], b.ID[:]),
	)
}
