package dom

import (
	"fmt"
	"strings"
)

// Node is one visible element of a Snapshot. Nodes are stored in document
// order, so a parent always precedes its descendants.
type Node struct {
	Index   int      `json:"i"`
	Parent  int      `json:"p"` // -1 for the root
	Depth   int      `json:"d"`
	Tag     string   `json:"t"`
	ID      string   `json:"id,omitempty"`
	Classes []string `json:"c,omitempty"`
	Role    string   `json:"r,omitempty"`
	Rect    Rect     `json:"b"`
	Text    string   `json:"x,omitempty"` // rendered text of the subtree, space-joined
	Frame   bool     `json:"f,omitempty"` // inside a same-origin iframe
	Shadow  bool     `json:"s,omitempty"` // inside an open shadow root

	children []int
}

// Snapshot is a flattened, engine-neutral view of the rendered page.
type Snapshot struct {
	Nodes     []Node   `json:"nodes"`
	Viewport  Viewport `json:"viewport"`
	Truncated bool     `json:"truncated"`
}

// Link builds child indexes. It must be called once after decoding and is
// safe to call again.
func (s *Snapshot) Link() {
	for i := range s.Nodes {
		s.Nodes[i].children = s.Nodes[i].children[:0]
	}
	for i := range s.Nodes {
		p := s.Nodes[i].Parent
		if p >= 0 && p < len(s.Nodes) && p != i {
			s.Nodes[p].children = append(s.Nodes[p].children, i)
		}
	}
}

// Children returns the indexes of the direct children of node i.
func (s *Snapshot) Children(i int) []int {
	if i < 0 || i >= len(s.Nodes) {
		return nil
	}
	return s.Nodes[i].children
}

// Ancestors returns the parent chain of node i, nearest first, bounded by max.
func (s *Snapshot) Ancestors(i, max int) []int {
	var out []int
	if i < 0 || i >= len(s.Nodes) {
		return out
	}
	for p := s.Nodes[i].Parent; p >= 0 && p < len(s.Nodes) && len(out) < max; p = s.Nodes[p].Parent {
		out = append(out, p)
	}
	return out
}

// IsAncestor reports whether a is a strict ancestor of d.
func (s *Snapshot) IsAncestor(a, d int) bool {
	if d < 0 || d >= len(s.Nodes) {
		return false
	}
	for p := s.Nodes[d].Parent; p >= 0 && p < len(s.Nodes); p = s.Nodes[p].Parent {
		if p == a {
			return true
		}
	}
	return false
}

// Find returns the index of the first node matching pred, or -1.
func (s *Snapshot) Find(pred func(n *Node) bool) int {
	for i := range s.Nodes {
		if pred(&s.Nodes[i]) {
			return i
		}
	}
	return -1
}

// HasClass reports whether the node's class list contains a class with the
// given substring, case-insensitively.
func (n *Node) HasClass(sub string) bool {
	sub = strings.ToLower(sub)
	for _, c := range n.Classes {
		if strings.Contains(strings.ToLower(c), sub) {
			return true
		}
	}
	return false
}

// Selector returns a short CSS-like description such as
// "section#about.intro.dark".
func (n *Node) Selector() string {
	var b strings.Builder
	b.WriteString(n.Tag)
	if n.ID != "" {
		b.WriteByte('#')
		b.WriteString(n.ID)
	}
	for i, c := range n.Classes {
		if i == 3 {
			break
		}
		b.WriteByte('.')
		b.WriteString(c)
	}
	if n.Role != "" && n.ID == "" && len(n.Classes) == 0 {
		fmt.Fprintf(&b, "[role=%s]", n.Role)
	}
	return b.String()
}

// Path describes node i by its nearest few ancestors, e.g.
// "main > section#about > p".
func (s *Snapshot) Path(i int) string {
	if i < 0 || i >= len(s.Nodes) {
		return ""
	}
	chain := append([]int{i}, s.Ancestors(i, 2)...)
	parts := make([]string, 0, len(chain))
	for j := len(chain) - 1; j >= 0; j-- {
		parts = append(parts, s.Nodes[chain[j]].Selector())
	}
	return strings.Join(parts, " > ")
}
