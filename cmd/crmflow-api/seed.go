package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dukex/crmflow/pkg/services"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML document accepted by --seed-file.
type seedFile struct {
	Workflows []services.DefinitionInput `yaml:"workflows"`
}

func loadSeedFile(path string) ([]services.DefinitionInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile

	err = yaml.Unmarshal(data, &seed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	return seed.Workflows, nil
}

// seedWorkflows creates every definition whose name is not taken yet, so
// restarting with the same file is a no-op. All invalid definitions are
// reported together.
func seedWorkflows(ctx context.Context, store *services.Store, inputs []services.DefinitionInput, logger *slog.Logger) (int, error) {
	existing, err := store.List(ctx)
	if err != nil {
		return 0, err
	}

	names := make(map[string]bool, len(existing))
	for _, workflow := range existing {
		names[workflow.Name] = true
	}

	var (
		created int
		errs    []error
	)

	for i, input := range inputs {
		if names[input.Name] {
			logger.DebugContext(ctx, "Seed workflow already exists", "name", input.Name)

			continue
		}

		workflow, err := store.Create(ctx, input)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %d (%q): %w", i, input.Name, err))

			continue
		}

		names[workflow.Name] = true
		created++
	}

	logger.InfoContext(ctx, "Seed workflows imported", "created", created, "total", len(inputs))

	return created, errors.Join(errs...)
}
