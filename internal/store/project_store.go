package store

import (
	"context"

	"github.com/cliorch/cliorchd/pkg/models"
)

// ProjectStore is the external collaborator described by spec §1: project
// id -> workspace path, preferred agent, preferred model. It is owned and
// populated by a system outside this module (project scaffolding, git
// operations, deployment) — this interface is the read-only boundary the
// Orchestrator consumes it through.
type ProjectStore interface {
	Get(ctx context.Context, projectID string) (models.Project, error)
}
