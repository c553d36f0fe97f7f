// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/persistence/file"
	"github.com/dukex/crmflow/pkg/persistence/postgresql"
)

var ErrUnsupportedURL = errors.New("unsupported provider URL")

// NewPersistence opens the store named by databaseURL: file://<dir> or
// postgres://... (postgresql:// is accepted too). A bare path means file.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, rest := splitProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file", "":
		if rest == "" {
			return nil, fmt.Errorf("%w: empty file path", ErrUnsupportedURL)
		}

		return file.NewPersistence(rest), nil
	default:
		return nil, fmt.Errorf("%w: persistence %q", ErrUnsupportedURL, provider)
	}
}

func splitProvider(raw string) (string, string) {
	provider, rest, found := strings.Cut(raw, "://")
	if !found {
		return "", raw
	}

	return provider, rest
}
