// Package project resolves project ids to their repository path and
// project data directory. Projects are declared in <dataRoot>/projects.yaml:
//
//	projects:
//	  myapp:
//	    repo: /home/me/src/myapp
//	    dir: /home/me/.aihub/projects/myapp   # optional, defaulted
//
// The registry file is re-read on every resolve so edits take effect
// without restarting.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"aihub/pkg/protocol"
)

// RegistryFile is the projects file name under the data root.
const RegistryFile = "projects.yaml"

// Project is one resolved project.
type Project struct {
	ID       string
	RepoPath string // the git repository workers run against
	Dir      string // project data dir (space.json, lease, space worktree)
}

// registryFile mirrors the YAML layout.
type registryFile struct {
	Projects map[string]projectEntry `yaml:"projects"`
}

type projectEntry struct {
	Repo string `yaml:"repo"`
	Dir  string `yaml:"dir"`
}

// Registry loads projects from the data root.
type Registry struct {
	dataRoot string
}

// NewRegistry creates a Registry rooted at dataRoot.
func NewRegistry(dataRoot string) *Registry {
	return &Registry{dataRoot: dataRoot}
}

// Resolve looks up projectID. It fails with *protocol.NotFoundError when
// the project is unknown and *protocol.PreconditionError when it has no
// configured repository.
func (r *Registry) Resolve(projectID string) (*Project, error) {
	if err := protocol.ValidateSlug(projectID); err != nil {
		return nil, fmt.Errorf("invalid project id: %w", err)
	}

	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	entry, ok := reg.Projects[projectID]
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "project", ID: projectID}
	}
	if entry.Repo == "" {
		return nil, &protocol.PreconditionError{Reason: fmt.Sprintf("project %s has no configured repository", projectID)}
	}

	dir := entry.Dir
	if dir == "" {
		dir = filepath.Join(r.dataRoot, "projects", projectID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	return &Project{ID: projectID, RepoPath: entry.Repo, Dir: dir}, nil
}

// List returns the ids of all registered projects.
func (r *Registry) List() ([]string, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reg.Projects))
	for id := range reg.Projects {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Registry) load() (*registryFile, error) {
	path := filepath.Join(r.dataRoot, RegistryFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is under the configured data root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &registryFile{Projects: map[string]projectEntry{}}, nil
		}
		return nil, fmt.Errorf("read %s: %w", RegistryFile, err)
	}
	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", RegistryFile, err)
	}
	if reg.Projects == nil {
		reg.Projects = map[string]projectEntry{}
	}
	return &reg, nil
}

// Register adds or updates a project entry and rewrites the registry
// file. Used by `aihub project add`.
func (r *Registry) Register(projectID, repoPath, dir string) error {
	if err := protocol.ValidateSlug(projectID); err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	reg, err := r.load()
	if err != nil {
		return err
	}
	reg.Projects[projectID] = projectEntry{Repo: repoPath, Dir: dir}

	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(r.dataRoot, 0o700); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dataRoot, RegistryFile), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", RegistryFile, err)
	}
	return nil
}
