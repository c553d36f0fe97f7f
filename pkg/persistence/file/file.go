// Package file provides file-based persistence for workflow definitions and execution records.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/crmflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// It is safe for concurrent use within a single process only.
type Persistence struct {
	root          string
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
	sweepRepo     *SweepRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	workflowRepo := NewWorkflowRepository(cleanRoot)
	executionRepo := NewExecutionRepository(cleanRoot)
	workflowRepo.executions = executionRepo
	executionRepo.workflows = workflowRepo

	return &Persistence{
		root:          cleanRoot,
		workflowRepo:  workflowRepo,
		executionRepo: executionRepo,
		sweepRepo:     NewSweepRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) SweepRepository() persistence.SweepRepository {
	return fp.sweepRepo
}

// store is a directory of JSON documents keyed by id.
type store struct {
	mu  sync.Mutex
	dir string
}

func newStore(root, name string) *store {
	return &store{dir: filepath.Join(root, name)}
}

// validateID validates that the id is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

func (s *store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// read decodes the document into v. It reports false when the document does not exist.
func (s *store) read(id string, v any) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	data, err := os.ReadFile(s.path(id)) // #nosec G304 -- id is validated above
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", id, err)
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return true, nil
}

// write replaces the document atomically by renaming a temporary file over it.
func (s *store) write(id string, v any) error {
	if err := validateID(id); err != nil {
		return err
	}

	err := os.MkdirAll(s.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", id, err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	err = os.Rename(tmp.Name(), s.path(id))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace %s: %w", id, err)
	}

	return nil
}

// ids lists the ids of every stored document.
func (s *store) ids() ([]string, error) {
	matches, err := fs.Glob(os.DirFS(s.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, strings.TrimSuffix(match, ".json"))
	}

	return ids, nil
}
