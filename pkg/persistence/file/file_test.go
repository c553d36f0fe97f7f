package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersistence_Contract(t *testing.T) {
	testutil.RunPersistenceContract(t, func(t *testing.T) persistence.Persistence {
		return NewPersistence("file://" + t.TempDir())
	})
}

func TestFilePersistence_HealthCheck(t *testing.T) {
	p := NewPersistence(t.TempDir())
	require.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, missing.HealthCheck(context.Background()), os.ErrNotExist)
}

func TestFilePersistence_RejectsPathTraversal(t *testing.T) {
	p := NewPersistence(t.TempDir())
	ctx := context.Background()

	_, err := p.ExecutionRepository().Get(ctx, "../etc/passwd")
	require.ErrorIs(t, err, persistence.ErrInvalidID)

	workflow := testutil.CreateTestWorkflow()
	workflow.ID = "a/b"
	require.ErrorIs(t, p.WorkflowRepository().Save(ctx, workflow), persistence.ErrInvalidID)
}

func TestFilePersistence_SurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first := NewPersistence(root)
	workflow := testutil.CreateTestWorkflow()
	require.NoError(t, first.WorkflowRepository().Save(ctx, workflow))

	record := testutil.CreateTestExecution(workflow, "contact-1", testutil.PausedUntil(time.Now().Add(time.Hour)))
	require.NoError(t, first.ExecutionRepository().Create(ctx, record))

	second := NewPersistence(root)

	loaded, err := second.ExecutionRepository().Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ResumeAt)
	assert.True(t, record.ResumeAt.Equal(*loaded.ResumeAt))

	_, err = second.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
}
