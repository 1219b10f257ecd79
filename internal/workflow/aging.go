package workflow

import (
	"context"
	"time"
)

// agingTolerance guards against timestamp truncation in storage: a candidate
// must beat the previously scheduled date by more than this to replace it.
const agingTolerance = 59 * time.Second

// AgingCandidate is the next automatic transition computed for an item.
type AgingCandidate struct {
	TransitionID int64
	Date         time.Time
}

// Scheduler computes the next automatic (time- or field-driven) transition
// for a content item in its current state.
type Scheduler struct {
	store Store
}

// NewScheduler constructs a Scheduler over the given store.
func NewScheduler(store Store) *Scheduler {
	return &Scheduler{store: store}
}

// NextAging walks every aging transition out of the item's state and picks
// the earliest candidate date that is later than the previously scheduled
// one. firedTransitionID is the transition that just fired, so that
// absolute-interval and field-driven transitions do not immediately repeat;
// pass 0 when no transition fired. Ties between equally-soonest candidates
// resolve to the first one found, in declaration order.
func (s *Scheduler) NextAging(ctx context.Context, status ContentStatus, firedTransitionID int64) (AgingCandidate, bool, error) {
	transitions, err := s.store.ListTransitionsFrom(ctx, status.WorkflowID, status.StateID)
	if err != nil {
		return AgingCandidate{}, false, err
	}

	var (
		best  AgingCandidate
		found bool
	)
	for _, t := range transitions {
		var candidate time.Time
		switch t.Aging {
		case AgingAbsolute:
			if t.ID == firedTransitionID {
				continue
			}
			candidate = status.StateEntered.Add(t.AgingInterval)
		case AgingRepeated:
			candidate = status.RepeatedAgingStart.Add(t.AgingInterval)
		case AgingField:
			if t.ID == firedTransitionID {
				continue
			}
			if !KnownSystemField(t.AgingField) {
				continue
			}
			v, err := s.store.ContentDateField(ctx, status.ContentID, t.AgingField)
			if err != nil {
				return AgingCandidate{}, false, err
			}
			if v == nil {
				continue
			}
			candidate = *v
		default:
			continue
		}

		if status.NextAgingDate != nil && candidate.Sub(*status.NextAgingDate) <= agingTolerance {
			continue
		}
		if !found || candidate.Before(best.Date) {
			best = AgingCandidate{TransitionID: t.ID, Date: candidate}
			found = true
		}
	}
	return best, found, nil
}
