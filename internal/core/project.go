package core

import (
	"fmt"
	"sync"
	"time"
)

// Project is a configured source-controlled unit with its own build phases and history.
type Project struct {
	name string

	Enabled               bool
	RepoURL               string
	VersionControl        string
	WatchRefs             []string
	WorkDir               string
	PollInterval          time.Duration
	AllowConcurrentBuilds bool
	// KeepCleanRepo keeps a pristine bare clone next to the work dir and
	// updates the work dir from it.
	KeepCleanRepo bool
	// Checkouts are the refs fetched by the checkout command. The first one
	// is checked out in the work dir.
	Checkouts []string

	PreBuild  []string
	Build     []string
	PostBuild []string
	Commands  CommandTable

	History *History
}

// NewProject creates an enabled project with an empty history.
func NewProject(name string) *Project {
	return &Project{
		name:     name,
		Enabled:  true,
		Commands: CommandTable{},
		History:  NewHistory(),
	}
}

func (p *Project) Name() string {
	return p.name
}

// Steps returns the command names of phase.
func (p *Project) Steps(phase Phase) []string {
	switch phase {
	case PhasePreBuild:
		return p.PreBuild
	case PhaseBuild:
		return p.Build
	case PhasePostBuild:
		return p.PostBuild
	default:
		return nil
	}
}

// snapshot copies the build-relevant fields so a running build is unaffected
// by later edits. The history pointer is shared.
func (p *Project) snapshot() *Project {
	return &Project{
		name:                  p.name,
		Enabled:               p.Enabled,
		RepoURL:               p.RepoURL,
		VersionControl:        p.VersionControl,
		WatchRefs:             append([]string(nil), p.WatchRefs...),
		WorkDir:               p.WorkDir,
		PollInterval:          p.PollInterval,
		AllowConcurrentBuilds: p.AllowConcurrentBuilds,
		KeepCleanRepo:         p.KeepCleanRepo,
		Checkouts:             append([]string(nil), p.Checkouts...),
		PreBuild:              append([]string(nil), p.PreBuild...),
		Build:                 append([]string(nil), p.Build...),
		PostBuild:             append([]string(nil), p.PostBuild...),
		Commands:              p.Commands.clone(),
		History:               p.History,
	}
}

// Registry holds the loaded projects and the global command table.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Project
	order    []string
	global   CommandTable
}

// NewRegistry creates a registry whose global commands are global.
func NewRegistry(global CommandTable) *Registry {
	if global == nil {
		global = CommandTable{}
	}
	return &Registry{
		projects: make(map[string]*Project),
		global:   global,
	}
}

// AddProject registers p. Names are unique and immutable.
func (r *Registry) AddProject(p *Project) error {
	if p == nil || p.name == "" {
		return fmt.Errorf("project name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProject, p.name)
	}
	if p.History == nil {
		p.History = NewHistory()
	}
	if p.Commands == nil {
		p.Commands = CommandTable{}
	}
	r.projects[p.name] = p
	r.order = append(r.order, p.name)
	return nil
}

// GetProject returns a detached copy of the named project's configuration.
// The copy shares the live History.
func (r *Registry) GetProject(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return nil, &UnknownProjectError{Name: name}
	}
	return p.snapshot(), nil
}

// AllowsConcurrentBuilds reports the project's current concurrency policy.
func (r *Registry) AllowsConcurrentBuilds(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return false, &UnknownProjectError{Name: name}
	}
	return p.AllowConcurrentBuilds, nil
}

// AllProjectNames lists project names in registration order.
func (r *Registry) AllProjectNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// History returns the live history of the named project.
func (r *Registry) History(name string) (*History, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return nil, &UnknownProjectError{Name: name}
	}
	return p.History, nil
}

// Update applies an administrative edit to the named project. Builds that
// already started keep the configuration they snapshotted.
func (r *Registry) Update(name string, fn func(p *Project)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[name]
	if !ok {
		return &UnknownProjectError{Name: name}
	}
	fn(p)
	// The name is the registry key and must not change.
	p.name = name
	return nil
}

// Lookup implements CommandLookup over the global table.
func (r *Registry) Lookup(name string) (CommandScript, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.Lookup(name)
}
