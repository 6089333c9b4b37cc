package authz

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"admin-security/internal/models"
)

var permissionNamePattern = regexp.MustCompile(`^[a-z][a-z_]*\.[a-z][a-z_]*$`)

type catalogEntry struct {
	permission models.Permission
	conditions []Condition
}

// Catalog is the in-memory registry of known permissions.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
	now     func() time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{
		entries: make(map[string]catalogEntry),
		now:     time.Now,
	}
}

// ValidatePermission checks a definition without registering it and returns
// its parsed conditions.
func ValidatePermission(def models.Permission) ([]Condition, error) {
	if !permissionNamePattern.MatchString(def.Name) {
		return nil, models.NewValidationError("name", fmt.Sprintf("%q must match resource.action", def.Name))
	}
	if !def.Resource.Valid() {
		return nil, models.NewValidationError("resource", fmt.Sprintf("unknown resource %q", def.Resource))
	}
	if !def.Action.Valid() {
		return nil, models.NewValidationError("action", fmt.Sprintf("unknown action %q", def.Action))
	}
	if def.Name != models.PermissionName(def.Resource, def.Action) {
		return nil, models.NewValidationError("name", fmt.Sprintf("%q does not match %s.%s", def.Name, def.Resource, def.Action))
	}
	if !def.RiskLevel.Valid() {
		return nil, models.NewValidationError("risk_level", fmt.Sprintf("unknown risk level %q", def.RiskLevel))
	}
	return ParseConditions(def.Conditions)
}

// Register adds a new permission. Duplicates are rejected.
func (c *Catalog) Register(def models.Permission) error {
	conds, err := ValidatePermission(def)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[def.Name]; exists {
		return &models.ValidationError{Field: "name", Reason: fmt.Sprintf("%q: %v", def.Name, ErrDuplicatePermission)}
	}
	now := c.now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = now
	}
	c.entries[def.Name] = catalogEntry{permission: def, conditions: conds}
	return nil
}

// Load replaces the catalog contents. Nothing changes if any definition is invalid.
func (c *Catalog) Load(defs []models.Permission) error {
	entries := make(map[string]catalogEntry, len(defs))
	for _, def := range defs {
		conds, err := ValidatePermission(def)
		if err != nil {
			return err
		}
		if _, dup := entries[def.Name]; dup {
			return &models.ValidationError{Field: "name", Reason: fmt.Sprintf("%q: %v", def.Name, ErrDuplicatePermission)}
		}
		entries[def.Name] = catalogEntry{permission: def, conditions: conds}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Lookup(name string) (models.Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e.permission, ok
}

// Exists reports whether name is registered, active or not.
func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// CheckCondition evaluates every condition attached to the named permission.
// Unknown permissions never pass.
func (c *Catalog) CheckCondition(name string, ctx RequestContext) bool {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return CheckConditions(e.conditions, ctx)
}

func (c *Catalog) lookupEntry(name string) (catalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Deactivate marks a permission inactive. Authorization of an inactive
// permission is denied as unknown.
func (c *Catalog) Deactivate(name string) (models.Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return models.Permission{}, fmt.Errorf("%w: %s", ErrUnknownPermission, name)
	}
	if e.permission.IsSystem {
		return models.Permission{}, fmt.Errorf("%w: %s", ErrSystemPermission, name)
	}
	e.permission.IsActive = false
	e.permission.UpdatedAt = c.now()
	c.entries[name] = e
	return e.permission, nil
}

// List returns all permissions ordered by name.
func (c *Catalog) List() []models.Permission {
	c.mu.RLock()
	out := make([]models.Permission, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.permission)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
