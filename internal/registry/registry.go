// Package registry persists the machine-wide project registry and allocates
// conflict-free host ports across projects.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/codex-k8s/devstack/internal/state"
)

// ProjectRecord is one project known to the registry.
type ProjectRecord struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Path  string      `json:"path"`
	Type  string      `json:"type,omitempty"`
	Stack string      `json:"stack,omitempty"`
	Host  string      `json:"host,omitempty"`
	State state.State `json:"state"`

	// Allocations maps a service or app.service key onto a host port.
	Allocations    map[string]int `json:"allocations,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	Stale          bool           `json:"stale,omitempty"`
}

// Active reports whether the project currently holds its ports.
func (r *ProjectRecord) Active() bool {
	return r != nil && r.State.Active()
}

// Registry is the persisted set of projects.
type Registry struct {
	// Version increases by one on every successful save.
	Version   int64                     `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Projects  map[string]*ProjectRecord `json:"projects"`
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{Projects: make(map[string]*ProjectRecord)}
}

// Get returns the named project.
func (r *Registry) Get(name string) (*ProjectRecord, bool) {
	rec, ok := r.Projects[name]
	return rec, ok
}

// Put stores rec under its name.
func (r *Registry) Put(rec *ProjectRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("project record requires a name")
	}
	if r.Projects == nil {
		r.Projects = make(map[string]*ProjectRecord)
	}
	if rec.Allocations == nil {
		rec.Allocations = make(map[string]int)
	}
	r.Projects[rec.Name] = rec
	return nil
}

// Remove deletes the named project and frees its allocations.
func (r *Registry) Remove(name string) bool {
	if _, ok := r.Projects[name]; !ok {
		return false
	}
	delete(r.Projects, name)
	return true
}

// Names returns the project names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Projects))
	for name := range r.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkStale flags every record whose path no longer exists and returns the
// flagged records. Records whose path exists again are unflagged.
func (r *Registry) MarkStale(exists func(path string) bool) []*ProjectRecord {
	var stale []*ProjectRecord
	for _, name := range r.Names() {
		rec := r.Projects[name]
		rec.Stale = !exists(rec.Path)
		if rec.Stale {
			stale = append(stale, rec)
		}
	}
	return stale
}

// PortConflict is a host port held by more than one active project.
type PortConflict struct {
	Port     int
	Projects []string
}

// Conflicts reports ports shared by distinct active projects.
func (r *Registry) Conflicts() []PortConflict {
	holders := make(map[int][]string)
	for _, name := range r.Names() {
		rec := r.Projects[name]
		if !rec.Active() {
			continue
		}
		seen := make(map[int]struct{})
		for _, port := range rec.Allocations {
			if _, dup := seen[port]; dup {
				continue
			}
			seen[port] = struct{}{}
			holders[port] = append(holders[port], name)
		}
	}
	var out []PortConflict
	for port, names := range holders {
		if len(names) > 1 {
			out = append(out, PortConflict{Port: port, Projects: names})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
