package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cliorch/cliorchd/pkg/models"
)

// StaticProjectStore is the minimal concrete ProjectStore cliorchd ships
// with so `cliorchd serve` runs standalone: a fixed id -> Project map
// loaded once from a YAML file at startup. spec.md §1 names the Project
// Store as an external collaborator ("project scaffolding, git operations,
// deployment integrations" own the real implementation) — this is not
// that system, only the narrowest adapter satisfying the interface for a
// single-binary deployment. A production deployment that already tracks
// projects in its own scaffolding system wires its own ProjectStore
// against the same interface instead.
type StaticProjectStore struct {
	projects map[string]models.Project
}

// projectsFile is the on-disk shape LoadStaticProjectStore reads.
type projectsFile struct {
	Projects []staticProjectEntry `yaml:"projects"`
}

type staticProjectEntry struct {
	ID             string `yaml:"id"`
	WorkspacePath  string `yaml:"workspace_path"`
	PreferredAgent string `yaml:"preferred_agent"`
	PreferredModel string `yaml:"preferred_model"`
}

// LoadStaticProjectStore reads path and builds a StaticProjectStore from it.
func LoadStaticProjectStore(path string) (*StaticProjectStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load project store %s: %w", path, err)
	}
	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse project store %s: %w", path, err)
	}

	projects := make(map[string]models.Project, len(pf.Projects))
	for _, e := range pf.Projects {
		if e.ID == "" {
			return nil, fmt.Errorf("project store %s: entry missing id", path)
		}
		projects[e.ID] = models.Project{
			ID:             e.ID,
			WorkspacePath:  e.WorkspacePath,
			PreferredAgent: models.AgentKind(e.PreferredAgent),
			PreferredModel: models.ModelId(e.PreferredModel),
		}
	}
	return &StaticProjectStore{projects: projects}, nil
}

// Get implements ProjectStore.
func (s *StaticProjectStore) Get(_ context.Context, projectID string) (models.Project, error) {
	p, ok := s.projects[projectID]
	if !ok {
		return models.Project{}, fmt.Errorf("project store: unknown project %q", projectID)
	}
	return p, nil
}
