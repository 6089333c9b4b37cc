package authz

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"admin-security/internal/models"
)

// PermissionSet is a resolved set of permission names.
type PermissionSet map[string]struct{}

func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in sorted order.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry holds roles as an explicit inheritance DAG. Every mutation is
// validated against the whole graph before it is applied.
type Registry struct {
	catalog *Catalog

	mu    sync.RWMutex
	roles map[models.RoleName]models.Role
	cache map[models.RoleName]PermissionSet
	now   func() time.Time
}

func NewRegistry(catalog *Catalog) *Registry {
	return &Registry{
		catalog: catalog,
		roles:   make(map[models.RoleName]models.Role),
		cache:   make(map[models.RoleName]PermissionSet),
		now:     time.Now,
	}
}

// Register adds or replaces a role.
func (r *Registry) Register(role models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[models.RoleName]models.Role, len(r.roles)+1)
	for name, existing := range r.roles {
		next[name] = existing
	}
	now := r.now()
	if prev, ok := r.roles[role.Name]; ok && role.CreatedAt.IsZero() {
		role.CreatedAt = prev.CreatedAt
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	role.UpdatedAt = now
	role.Permissions = dedupe(role.Permissions)
	next[role.Name] = role

	if err := r.validateGraph(next); err != nil {
		return err
	}
	r.roles = next
	r.cache = make(map[models.RoleName]PermissionSet)
	return nil
}

// Load replaces every role at once. Nothing changes if the graph is invalid.
func (r *Registry) Load(roles []models.Role) error {
	next := make(map[models.RoleName]models.Role, len(roles))
	for _, role := range roles {
		if _, dup := next[role.Name]; dup {
			return models.NewValidationError("name", fmt.Sprintf("duplicate role %q", role.Name))
		}
		role.Permissions = dedupe(role.Permissions)
		next[role.Name] = role
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.validateGraph(next); err != nil {
		return err
	}
	r.roles = next
	r.cache = make(map[models.RoleName]PermissionSet)
	return nil
}

func (r *Registry) validateGraph(roles map[models.RoleName]models.Role) error {
	for name, role := range roles {
		if !name.Valid() {
			return models.NewValidationError("name", fmt.Sprintf("unknown role %q", name))
		}
		for _, perm := range role.Permissions {
			if !r.catalog.Exists(perm) {
				return models.NewValidationError("permissions", fmt.Sprintf("%v: %s", ErrUnknownPermission, perm))
			}
		}
		if role.InheritFrom == "" {
			continue
		}
		if _, ok := roles[role.InheritFrom]; !ok {
			return models.NewValidationError("inherit_from", fmt.Sprintf("%v: %s", ErrUnknownRole, role.InheritFrom))
		}
	}
	for name := range roles {
		if err := walkAncestors(roles, name, func(models.Role) {}); err != nil {
			return err
		}
	}
	return nil
}

// walkAncestors visits name and every role it inherits from, failing on a
// repeated visit instead of looping.
func walkAncestors(roles map[models.RoleName]models.Role, name models.RoleName, visit func(models.Role)) error {
	seen := make(map[models.RoleName]struct{})
	for current := name; current != ""; {
		if _, loop := seen[current]; loop {
			return fmt.Errorf("%w: %s", ErrCycleDetected, name)
		}
		seen[current] = struct{}{}
		role, ok := roles[current]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRole, current)
		}
		visit(role)
		current = role.InheritFrom
	}
	return nil
}

// ResolveEffectivePermissions returns the union of the role's own permissions
// and those of every ancestor.
func (r *Registry) ResolveEffectivePermissions(name models.RoleName) (PermissionSet, error) {
	r.mu.RLock()
	if set, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return set, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.cache[name]; ok {
		return set, nil
	}

	set := make(PermissionSet)
	err := walkAncestors(r.roles, name, func(role models.Role) {
		if !role.IsActive {
			return
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}
	r.cache[name] = set
	return set, nil
}

func (r *Registry) Get(name models.RoleName) (models.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	return role, ok
}

// List returns roles ordered by descending priority.
func (r *Registry) List() []models.Role {
	r.mu.RLock()
	out := make([]models.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Invalidate drops cached resolutions, e.g. after catalog changes.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[models.RoleName]PermissionSet)
	r.mu.Unlock()
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return names
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
