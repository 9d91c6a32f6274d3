package hierarchy

import (
	"sort"
	"strings"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// Build constructs the role graph, links parent/child references and computes
// effective permissions bottom-up. The inheritance graph must be acyclic;
// a cycle fails the whole build with a ConfigurationError naming the roles
// involved, nothing is returned partially.
func Build(roles []Role) (map[string]*Node, error) {
	nodes := make(map[string]*Node, len(roles))
	for _, role := range roles {
		nodes[role.ID] = &Node{Role: role}
	}

	for _, node := range nodes {
		for _, parentID := range node.Role.InheritsFrom {
			parent, ok := nodes[parentID]
			if !ok {
				return nil, &shared.ConfigurationError{
					Reason: "role " + node.Role.ID + " inherits unknown role " + parentID,
				}
			}
			node.Parents = append(node.Parents, parent)
			parent.Children = append(parent.Children, node)
		}
	}

	if cycle := findCycle(nodes); len(cycle) > 0 {
		return nil, &shared.ConfigurationError{
			Reason: "cyclic role inheritance: " + strings.Join(cycle, " -> "),
		}
	}

	for _, node := range nodes {
		computeEffective(node)
	}
	return nodes, nil
}

// findCycle runs an iterative three-colour DFS over the inheritance edges.
func findCycle(nodes map[string]*Node) []string {
	state := make(map[string]visitState, len(nodes))
	parent := make(map[string]string, len(nodes))

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, start := range ids {
		if state[start] != unvisited {
			continue
		}
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			if state[id] == unvisited {
				state[id] = visiting
				for _, p := range nodes[id].Parents {
					pid := p.Role.ID
					switch state[pid] {
					case unvisited:
						parent[pid] = id
						stack = append(stack, pid)
					case visiting:
						return tracePath(parent, id, pid)
					}
				}
				continue
			}
			state[id] = visited
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

func tracePath(parent map[string]string, from, to string) []string {
	path := []string{to, from}
	for cur := from; cur != to; {
		prev, ok := parent[cur]
		if !ok {
			break
		}
		path = append(path, prev)
		cur = prev
	}
	return path
}

// computeEffective memoises the recursive permission union. The graph is
// known acyclic at this point so recursion terminates. A role's own
// permission wins over an inherited one with the same key.
func computeEffective(node *Node) map[string]authz.Permission {
	if node.Effective != nil {
		return node.Effective
	}
	effective := make(map[string]authz.Permission)
	for _, parentNode := range node.Parents {
		for key, perm := range computeEffective(parentNode) {
			effective[key] = perm
		}
	}
	for key, perm := range node.Role.OwnPermissions() {
		effective[key] = perm
	}
	node.Effective = effective
	return effective
}

// Path returns the root-to-node chain of role IDs. When a role inherits from
// several parents the most senior one (highest level, then smallest ID)
// defines the path, so seniority comparisons stay stable.
func Path(nodes map[string]*Node, roleID string) []string {
	node, ok := nodes[roleID]
	if !ok {
		return nil
	}
	var reversed []string
	for node != nil {
		reversed = append(reversed, node.Role.ID)
		node = primaryParent(node)
	}
	path := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path
}

func primaryParent(node *Node) *Node {
	var chosen *Node
	for _, parent := range node.Parents {
		if chosen == nil {
			chosen = parent
			continue
		}
		if parent.Role.Level > chosen.Role.Level ||
			(parent.Role.Level == chosen.Role.Level && parent.Role.ID < chosen.Role.ID) {
			chosen = parent
		}
	}
	return chosen
}

// Descendants returns every role that transitively inherits from roleID.
func Descendants(nodes map[string]*Node, roleID string) []string {
	root, ok := nodes[roleID]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	stack := append([]*Node(nil), root.Children...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[node.Role.ID] {
			continue
		}
		seen[node.Role.ID] = true
		stack = append(stack, node.Children...)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
