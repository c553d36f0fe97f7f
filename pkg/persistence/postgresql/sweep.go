package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dukex/crmflow/pkg/persistence"
)

// SweepRepository stores sweep watermarks and fired scheduled slots.
type SweepRepository struct {
	db *sql.DB
}

func NewSweepRepository(db *sql.DB) *SweepRepository {
	return &SweepRepository{db: db}
}

func (r *SweepRepository) GetWatermark(ctx context.Context, workflowID string) (time.Time, bool, error) {
	var watermark time.Time

	err := r.db.QueryRowContext(ctx,
		`SELECT watermark FROM sweep_watermarks WHERE workflow_id = $1`, workflowID,
	).Scan(&watermark)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}

		return time.Time{}, false, persistence.NewWorkflowError("GetWatermark", workflowID, err)
	}

	return watermark.UTC(), true, nil
}

func (r *SweepRepository) SetWatermark(ctx context.Context, workflowID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sweep_watermarks (workflow_id, watermark) VALUES ($1, $2)
		 ON CONFLICT (workflow_id) DO UPDATE SET watermark = EXCLUDED.watermark`,
		workflowID, at.UTC(),
	)
	if err != nil {
		return persistence.NewWorkflowError("SetWatermark", workflowID, err)
	}

	return nil
}

func (r *SweepRepository) SlotFired(ctx context.Context, workflowID string, slot time.Time) (bool, error) {
	var fired bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_slots WHERE workflow_id = $1 AND slot = $2)`,
		workflowID, slot.UTC(),
	).Scan(&fired)
	if err != nil {
		return false, persistence.NewWorkflowError("SlotFired", workflowID, err)
	}

	return fired, nil
}

func (r *SweepRepository) MarkSlotFired(ctx context.Context, workflowID string, slot time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_slots (workflow_id, slot) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		workflowID, slot.UTC(),
	)
	if err != nil {
		return false, persistence.NewWorkflowError("MarkSlotFired", workflowID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewWorkflowError("MarkSlotFired", workflowID, err)
	}

	return affected == 1, nil
}
