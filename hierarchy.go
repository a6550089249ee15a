package trustkit

import "slices"

// ResourceNode is one entry of the static resource graph.
type ResourceNode struct {
	Name     string   `json:"name" yaml:"name"`
	Parent   string   `json:"parent,omitempty" yaml:"parent,omitempty"`
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`
	Actions  []string `json:"actions" yaml:"actions"`
}

// ResourceHierarchy maps resource names to nodes. It is read-only once the
// engine is built.
type ResourceHierarchy map[string]ResourceNode

// Parent returns the direct parent of resource, if any.
func (h ResourceHierarchy) Parent(resource string) (string, bool) {
	n, ok := h[resource]
	if !ok || n.Parent == "" {
		return "", false
	}
	return n.Parent, true
}

// Allows reports whether action is legal on resource. Unknown resources and
// nodes without an action list allow everything.
func (h ResourceHierarchy) Allows(resource, action string) bool {
	n, ok := h[resource]
	if !ok || len(n.Actions) == 0 {
		return true
	}
	return slices.Contains(n.Actions, action) || slices.Contains(n.Actions, "*")
}

// link fills Children from Parent pointers so either side can be configured.
func (h ResourceHierarchy) link() {
	for name, n := range h {
		if n.Parent == "" {
			continue
		}
		p, ok := h[n.Parent]
		if !ok {
			p = ResourceNode{Name: n.Parent}
		}
		if !slices.Contains(p.Children, name) {
			p.Children = append(p.Children, name)
			slices.Sort(p.Children)
		}
		h[n.Parent] = p
	}
	for name, n := range h {
		for _, c := range n.Children {
			child, ok := h[c]
			if !ok {
				child = ResourceNode{Name: c}
			}
			if child.Parent == "" {
				child.Parent = name
				h[c] = child
			}
		}
		if n.Name == "" {
			n.Name = name
			h[name] = n
		}
	}
}

func (h ResourceHierarchy) clone() ResourceHierarchy {
	out := make(ResourceHierarchy, len(h))
	for k, n := range h {
		n.Children = slices.Clone(n.Children)
		n.Actions = slices.Clone(n.Actions)
		out[k] = n
	}
	return out
}
