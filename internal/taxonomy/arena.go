// Package taxonomy holds the target marketplace category tree as an
// immutable arena indexed by id and code.
package taxonomy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/JakeFAU/relist/internal/listing"
)

//go:embed seed.json
var seed []byte

// ErrEmpty is returned when a taxonomy has no nodes.
var ErrEmpty = errors.New("taxonomy is empty")

// Arena is a read-only category tree. Nodes keep their load order, which is
// the tie-break order for keyword matching.
type Arena struct {
	nodes    []listing.CategoryNode
	byID     map[int64]int
	byCode   map[string]int
	children map[int64][]int
}

// New builds an arena from nodes in taxonomy order.
func New(nodes []listing.CategoryNode) (*Arena, error) {
	if len(nodes) == 0 {
		return nil, ErrEmpty
	}
	a := &Arena{
		nodes:    append([]listing.CategoryNode(nil), nodes...),
		byID:     make(map[int64]int, len(nodes)),
		byCode:   make(map[string]int, len(nodes)),
		children: make(map[int64][]int),
	}
	for i, n := range a.nodes {
		if _, dup := a.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %d", n.ID)
		}
		a.byID[n.ID] = i
		if n.Code != "" {
			if _, dup := a.byCode[n.Code]; dup {
				return nil, fmt.Errorf("duplicate category code %q", n.Code)
			}
			a.byCode[n.Code] = i
		}
		if n.ParentID != 0 {
			a.children[n.ParentID] = append(a.children[n.ParentID], i)
		}
	}
	return a, nil
}

type rawNode struct {
	ID           int64     `json:"id"`
	CategoryCode string    `json:"categoryCode"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Level        int       `json:"level"`
	ParentID     *int64    `json:"parentId"`
	Children     []rawNode `json:"children"`
}

// Load reads a taxonomy document: either a bare array or {"categories": [...]},
// where each node is flat (parentId) or nested (children).
func Load(r io.Reader) (*Arena, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	var roots []rawNode
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(raw, &roots)
	} else {
		var doc struct {
			Categories []rawNode `json:"categories"`
		}
		err = json.Unmarshal(raw, &doc)
		roots = doc.Categories
	}
	if err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	var nodes []listing.CategoryNode
	flatten(roots, 0, &nodes)
	return New(nodes)
}

func flatten(tree []rawNode, parent int64, out *[]listing.CategoryNode) {
	for _, n := range tree {
		code := n.CategoryCode
		if code == "" {
			code = n.Code
		}
		pid := parent
		if n.ParentID != nil && parent == 0 {
			pid = *n.ParentID
		}
		*out = append(*out, listing.CategoryNode{
			ID:       n.ID,
			Code:     code,
			Name:     n.Name,
			Level:    n.Level,
			ParentID: pid,
		})
		if len(n.Children) > 0 {
			flatten(n.Children, n.ID, out)
		}
	}
}

// LoadFile loads a taxonomy from path, or the built-in seed when path is empty.
func LoadFile(path string) (*Arena, error) {
	if path == "" {
		return Load(strings.NewReader(string(seed)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open taxonomy: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Len returns the node count.
func (a *Arena) Len() int { return len(a.nodes) }

// First returns the first node in taxonomy order.
func (a *Arena) First() listing.CategoryNode { return a.nodes[0] }

// All iterates nodes in taxonomy order.
func (a *Arena) All() iter.Seq2[int, listing.CategoryNode] {
	return func(yield func(int, listing.CategoryNode) bool) {
		for i, n := range a.nodes {
			if !yield(i, n) {
				return
			}
		}
	}
}

// ByCode looks a node up by category code.
func (a *Arena) ByCode(code string) (listing.CategoryNode, bool) {
	i, ok := a.byCode[code]
	if !ok {
		return listing.CategoryNode{}, false
	}
	return a.nodes[i], true
}

// ByID looks a node up by id.
func (a *Arena) ByID(id int64) (listing.CategoryNode, bool) {
	i, ok := a.byID[id]
	if !ok {
		return listing.CategoryNode{}, false
	}
	return a.nodes[i], true
}

// Children returns the direct children of id in taxonomy order.
func (a *Arena) Children(id int64) []listing.CategoryNode {
	idx := a.children[id]
	out := make([]listing.CategoryNode, 0, len(idx))
	for _, i := range idx {
		out = append(out, a.nodes[i])
	}
	return out
}

// IsLeaf reports whether the node has no children.
func (a *Arena) IsLeaf(id int64) bool {
	return len(a.children[id]) == 0
}

// Path returns the slash-joined names from the root down to id.
func (a *Arena) Path(id int64) string {
	var names []string
	cur, ok := a.ByID(id)
	for steps := 0; ok && steps <= len(a.nodes); steps++ {
		names = append(names, cur.Name)
		if cur.ParentID == 0 {
			break
		}
		cur, ok = a.ByID(cur.ParentID)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, "/")
}

// Resolve wraps a node with its path and the given confidence.
func (a *Arena) Resolve(n listing.CategoryNode, confidence float64, reasoning string) listing.ResolvedCategory {
	return listing.ResolvedCategory{
		Node:       n,
		Path:       a.Path(n.ID),
		Confidence: confidence,
		Reasoning:  reasoning,
	}
}
