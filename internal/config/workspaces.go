package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Workspace describes one synced workspace: which installation it
// authenticates as and which repositories it mirrors.
type Workspace struct {
	Name           string          `yaml:"name"`
	InstallationID int             `yaml:"installation"`
	Token          string          `yaml:"token"`
	TokenEnv       string          `yaml:"token_env"`
	ReadOnly       bool            `yaml:"read_only"`
	Repos          []WorkspaceRepo `yaml:"repos"`
}

// WorkspaceRepo binds one remote repository to a local project.
type WorkspaceRepo struct {
	Ref     string `yaml:"ref"`     // owner/name
	Project string `yaml:"project"` // local project ref
}

// ResolveToken returns the workspace's access token, preferring the
// environment variable indirection when configured.
func (w *Workspace) ResolveToken() string {
	if w.TokenEnv != "" {
		if tok := os.Getenv(w.TokenEnv); tok != "" {
			return tok
		}
	}
	return w.Token
}

type workspacesFile struct {
	Workspaces []Workspace `yaml:"workspaces"`
}

// LoadWorkspaces parses the workspace topology file.
func LoadWorkspaces(path string) ([]Workspace, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspaces file: %w", err)
	}
	var f workspacesFile
	if err := yaml.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Workspaces))
	for i := range f.Workspaces {
		w := &f.Workspaces[i]
		if w.Name == "" {
			return nil, fmt.Errorf("workspace %d has no name", i)
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("duplicate workspace %q", w.Name)
		}
		seen[w.Name] = true
		if w.InstallationID == 0 {
			return nil, fmt.Errorf("workspace %q has no installation", w.Name)
		}
		for _, r := range w.Repos {
			if r.Ref == "" || r.Project == "" {
				return nil, fmt.Errorf("workspace %q has a repo without ref or project", w.Name)
			}
		}
	}
	return f.Workspaces, nil
}
