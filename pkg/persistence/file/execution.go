package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
)

// ExecutionRepository handles execution record file operations. Lease
// operations are serialized by the store mutex.
type ExecutionRepository struct {
	store     *store
	workflows *WorkflowRepository
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{store: newStore(root, "executions")}
}

func (er *ExecutionRepository) Create(_ context.Context, record *models.ExecutionRecord) error {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	return er.create("Create", record)
}

// CreateForLiveWorkflow holds the workflow store lock across the check and
// the write, the same lock WorkflowRepository.Delete takes first.
func (er *ExecutionRepository) CreateForLiveWorkflow(_ context.Context, record *models.ExecutionRecord) error {
	if er.workflows != nil {
		er.workflows.store.mu.Lock()
		defer er.workflows.store.mu.Unlock()

		_, err := er.workflows.get("CreateForLiveWorkflow", record.WorkflowID)
		if err != nil {
			return err
		}
	}

	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	return er.create("CreateForLiveWorkflow", record)
}

func (er *ExecutionRepository) create(op string, record *models.ExecutionRecord) error {
	var existing models.ExecutionRecord

	found, err := er.store.read(record.ID, &existing)
	if err != nil {
		return persistence.NewExecutionError(op, record.ID, err)
	}

	if found {
		return persistence.NewExecutionError(op, record.ID, persistence.ErrExecutionAlreadyExists)
	}

	if record.DedupKey != "" {
		duplicates, err := er.all(func(r *models.ExecutionRecord) bool {
			return r.WorkflowID == record.WorkflowID && r.DedupKey == record.DedupKey
		})
		if err != nil {
			return err
		}

		if len(duplicates) > 0 {
			return persistence.NewExecutionError(op, record.ID, persistence.ErrDuplicateTrigger)
		}
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	if record.ActionsCompleted == nil {
		record.ActionsCompleted = []models.ActionResult{}
	}

	err = er.store.write(record.ID, record)
	if err != nil {
		return persistence.NewExecutionError(op, record.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) Get(_ context.Context, id string) (*models.ExecutionRecord, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	return er.get("Get", id)
}

func (er *ExecutionRepository) get(op, id string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord

	found, err := er.store.read(id, &record)
	if err != nil {
		return nil, persistence.NewExecutionError(op, id, err)
	}

	if !found {
		return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
	}

	return &record, nil
}

func (er *ExecutionRepository) Save(_ context.Context, record *models.ExecutionRecord, owner string) error {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	stored, err := er.get("Save", record.ID)
	if err != nil {
		return err
	}

	if stored.Status.Terminal() {
		return persistence.NewExecutionError("Save", record.ID, persistence.ErrExecutionTerminal)
	}

	if owner == "" || stored.LeaseOwner != owner {
		return persistence.NewExecutionError("Save", record.ID, persistence.ErrLeaseLost)
	}

	next := record.Clone()
	next.LeaseOwner = stored.LeaseOwner
	next.LeaseExpiresAt = stored.LeaseExpiresAt
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	if next.Status.Terminal() {
		next.LeaseOwner = ""
		next.LeaseExpiresAt = nil
	}

	err = er.store.write(record.ID, next)
	if err != nil {
		return persistence.NewExecutionError("Save", record.ID, err)
	}

	record.LeaseOwner = next.LeaseOwner
	record.LeaseExpiresAt = next.LeaseExpiresAt
	record.UpdatedAt = next.UpdatedAt

	return nil
}

// all loads every record matching keep.
func (er *ExecutionRepository) all(keep func(*models.ExecutionRecord) bool) ([]*models.ExecutionRecord, error) {
	ids, err := er.store.ids()
	if err != nil {
		return nil, err
	}

	records := make([]*models.ExecutionRecord, 0, len(ids))

	for _, id := range ids {
		var record models.ExecutionRecord

		found, err := er.store.read(id, &record)
		if err != nil {
			return nil, persistence.NewExecutionError("List", id, err)
		}

		if found && keep(&record) {
			records = append(records, &record)
		}
	}

	return records, nil
}

func newestFirst(records []*models.ExecutionRecord, limit int) []*models.ExecutionRecord {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}

		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records
}

func (er *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	records, err := er.all(func(r *models.ExecutionRecord) bool { return r.WorkflowID == workflowID })
	if err != nil {
		return nil, err
	}

	return newestFirst(records, limit), nil
}

func (er *ExecutionRepository) ListRecent(_ context.Context, limit int) ([]*models.ExecutionRecord, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	records, err := er.all(func(*models.ExecutionRecord) bool { return true })
	if err != nil {
		return nil, err
	}

	return newestFirst(records, limit), nil
}

func (er *ExecutionRepository) CountInFlight(_ context.Context, workflowID string) (int, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	return er.countInFlight(workflowID)
}

func (er *ExecutionRepository) countInFlight(workflowID string) (int, error) {
	records, err := er.all(func(r *models.ExecutionRecord) bool {
		return r.WorkflowID == workflowID && r.Status.InFlight()
	})
	if err != nil {
		return 0, err
	}

	return len(records), nil
}

func (er *ExecutionRepository) ListRunnable(_ context.Context, now time.Time, limit int) ([]*models.ExecutionRecord, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	records, err := er.all(func(r *models.ExecutionRecord) bool { return r.Runnable(now) })
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].DueAt().Before(records[j].DueAt())
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

func (er *ExecutionRepository) AcquireLease(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (*models.ExecutionRecord, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	record, err := er.get("AcquireLease", id)
	if err != nil {
		return nil, err
	}

	if !record.Runnable(now) {
		return nil, persistence.NewExecutionError("AcquireLease", id, persistence.ErrLeaseUnavailable)
	}

	expiresAt := now.Add(ttl).UTC()
	record.LeaseOwner = owner
	record.LeaseExpiresAt = &expiresAt
	record.UpdatedAt = time.Now().UTC()

	err = er.store.write(id, record)
	if err != nil {
		return nil, persistence.NewExecutionError("AcquireLease", id, err)
	}

	return record, nil
}

func (er *ExecutionRepository) RenewLease(_ context.Context, id, owner string, now time.Time, ttl time.Duration) error {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	record, err := er.get("RenewLease", id)
	if err != nil {
		return err
	}

	if record.Status.Terminal() || record.LeaseOwner != owner {
		return persistence.NewExecutionError("RenewLease", id, persistence.ErrLeaseLost)
	}

	expiresAt := now.Add(ttl).UTC()
	record.LeaseExpiresAt = &expiresAt

	err = er.store.write(id, record)
	if err != nil {
		return persistence.NewExecutionError("RenewLease", id, err)
	}

	return nil
}

// ReleaseLease clears the lease if owner still holds it. Releasing a lease
// held by someone else is a no-op.
func (er *ExecutionRepository) ReleaseLease(_ context.Context, id, owner string) error {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	record, err := er.get("ReleaseLease", id)
	if err != nil {
		return err
	}

	if record.LeaseOwner != owner {
		return nil
	}

	record.LeaseOwner = ""
	record.LeaseExpiresAt = nil

	err = er.store.write(id, record)
	if err != nil {
		return persistence.NewExecutionError("ReleaseLease", id, err)
	}

	return nil
}
