package file

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/crmflow/pkg/persistence"
)

// firedSlotRetention is how long fired slots are kept behind the watermark.
const firedSlotRetention = 7 * 24 * time.Hour

type sweepState struct {
	WorkflowID string               `json:"workflow_id"`
	Watermark  *time.Time           `json:"watermark,omitempty"`
	FiredSlots map[string]time.Time `json:"fired_slots,omitempty"`
}

// SweepRepository keeps one document per workflow with its sweep watermark
// and the scheduled slots that already fired.
type SweepRepository struct {
	store *store
}

func NewSweepRepository(root string) *SweepRepository {
	return &SweepRepository{store: newStore(root, "sweeps")}
}

func (sr *SweepRepository) load(workflowID string) (*sweepState, error) {
	state := &sweepState{WorkflowID: workflowID}

	_, err := sr.store.read(workflowID, state)
	if err != nil {
		return nil, persistence.NewWorkflowError("LoadSweepState", workflowID, err)
	}

	if state.FiredSlots == nil {
		state.FiredSlots = map[string]time.Time{}
	}

	return state, nil
}

func (sr *SweepRepository) GetWatermark(_ context.Context, workflowID string) (time.Time, bool, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	state, err := sr.load(workflowID)
	if err != nil {
		return time.Time{}, false, err
	}

	if state.Watermark == nil {
		return time.Time{}, false, nil
	}

	return *state.Watermark, true, nil
}

func (sr *SweepRepository) SetWatermark(_ context.Context, workflowID string, at time.Time) error {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	state, err := sr.load(workflowID)
	if err != nil {
		return err
	}

	watermark := at.UTC()
	state.Watermark = &watermark

	cutoff := watermark.Add(-firedSlotRetention)
	for key, slot := range state.FiredSlots {
		if slot.Before(cutoff) {
			delete(state.FiredSlots, key)
		}
	}

	err = sr.store.write(workflowID, state)
	if err != nil {
		return persistence.NewWorkflowError("SetWatermark", workflowID, err)
	}

	return nil
}

func (sr *SweepRepository) SlotFired(_ context.Context, workflowID string, slot time.Time) (bool, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	state, err := sr.load(workflowID)
	if err != nil {
		return false, err
	}

	_, fired := state.FiredSlots[slotKey(slot)]

	return fired, nil
}

func slotKey(slot time.Time) string {
	return fmt.Sprintf("%d", slot.Unix())
}

func (sr *SweepRepository) MarkSlotFired(_ context.Context, workflowID string, slot time.Time) (bool, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	state, err := sr.load(workflowID)
	if err != nil {
		return false, err
	}

	key := slotKey(slot)
	if _, fired := state.FiredSlots[key]; fired {
		return false, nil
	}

	state.FiredSlots[key] = slot.UTC()

	err = sr.store.write(workflowID, state)
	if err != nil {
		return false, persistence.NewWorkflowError("MarkSlotFired", workflowID, err)
	}

	return true, nil
}
