package hierarchy

import (
	"github.com/lyceum-lms/lyceum-authz/internal/authz"
)

// Role is a role definition as supplied by the role store. Permissions are
// grouped by platform module, mirroring how the editors organise them.
type Role struct {
	ID           string
	Name         string
	Level        int
	InheritsFrom []string
	Permissions  map[string][]authz.Permission
	IsSystem     bool
	IsActive     bool
}

// OwnPermissions flattens the grouped permission map, deduplicated by key.
func (r Role) OwnPermissions() map[string]authz.Permission {
	out := make(map[string]authz.Permission)
	for _, group := range r.Permissions {
		for _, perm := range group {
			out[perm.Key()] = perm
		}
	}
	return out
}

// Node is the cached, derived view of a role inside the inheritance graph.
// Effective holds the transitive closure of permissions keyed by
// resource:action. Nodes are rebuilt wholesale; they are never patched.
type Node struct {
	Role      Role
	Parents   []*Node
	Children  []*Node
	Effective map[string]authz.Permission
}
