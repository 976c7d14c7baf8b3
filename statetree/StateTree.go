// Package statetree implements nested trees of tensors for working
// with recurrent hidden states and dictionary-structured observations.
//
// A Tree is either a single leaf tensor or a branch holding named
// subtrees. The tree shape and the shape of every leaf are fixed when
// the tree is built, and all operations on trees are generic maps over
// that fixed structure. Nothing in this package assumes a specific
// recurrent cell: a GRU-like state is a single leaf, an LSTM-like
// state is a branch with two leaves, and arbitrary nesting works the
// same way.
package statetree

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"
)

// Tree is a nested, string-keyed container of dense tensors. A Tree is
// immutable in structure: once created, its keys and leaf shapes never
// change, although leaf data may be written in place.
type Tree struct {
	leaf     *tensor.Dense
	keys     []string // Sorted branch keys for deterministic traversal
	children map[string]*Tree
}

// NewLeaf returns a Tree consisting of a single leaf tensor
func NewLeaf(d *tensor.Dense) *Tree {
	return &Tree{leaf: d}
}

// NewBranch returns a Tree with the argument subtrees as children
func NewBranch(children map[string]*Tree) *Tree {
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &Tree{keys: keys, children: children}
}

// IsLeaf returns whether the Tree is a single leaf
func (t *Tree) IsLeaf() bool {
	return t.children == nil
}

// Dense returns the leaf tensor of a leaf Tree and nil for a branch
func (t *Tree) Dense() *tensor.Dense {
	return t.leaf
}

// Keys returns the sorted child keys of a branch Tree
func (t *Tree) Keys() []string {
	return t.keys
}

// Child returns the named subtree, or nil if no such subtree exists
func (t *Tree) Child(key string) *Tree {
	if t.children == nil {
		return nil
	}
	return t.children[key]
}

// Leaves returns all leaf tensors of the Tree in deterministic
// (sorted-key, depth-first) order
func (t *Tree) Leaves() []*tensor.Dense {
	if t.IsLeaf() {
		return []*tensor.Dense{t.leaf}
	}

	var leaves []*tensor.Dense
	for _, key := range t.keys {
		leaves = append(leaves, t.children[key].Leaves()...)
	}
	return leaves
}

// Map applies f to every leaf of the Tree, returning a new Tree with
// the same structure
func (t *Tree) Map(f func(*tensor.Dense) (*tensor.Dense, error)) (*Tree,
	error) {
	if t.IsLeaf() {
		leaf, err := f(t.leaf)
		if err != nil {
			return nil, err
		}
		return NewLeaf(leaf), nil
	}

	children := make(map[string]*Tree, len(t.keys))
	for _, key := range t.keys {
		child, err := t.children[key].Map(f)
		if err != nil {
			return nil, err
		}
		children[key] = child
	}
	return NewBranch(children), nil
}

// Zip applies f to corresponding leaves of two structurally identical
// Trees, returning a new Tree with the shared structure
func (t *Tree) Zip(o *Tree, f func(a, b *tensor.Dense) (*tensor.Dense,
	error)) (*Tree, error) {
	if t.IsLeaf() != o.IsLeaf() {
		return nil, fmt.Errorf("zip: structure mismatch: leaf zipped " +
			"with branch")
	}

	if t.IsLeaf() {
		leaf, err := f(t.leaf, o.leaf)
		if err != nil {
			return nil, err
		}
		return NewLeaf(leaf), nil
	}

	if len(t.keys) != len(o.keys) {
		return nil, fmt.Errorf("zip: structure mismatch: %v keys != %v keys",
			len(t.keys), len(o.keys))
	}

	children := make(map[string]*Tree, len(t.keys))
	for _, key := range t.keys {
		other := o.children[key]
		if other == nil {
			return nil, fmt.Errorf("zip: structure mismatch: missing key %v",
				key)
		}

		child, err := t.children[key].Zip(other, f)
		if err != nil {
			return nil, err
		}
		children[key] = child
	}
	return NewBranch(children), nil
}

// SameStructure returns an error describing the first structural
// difference between two Trees, or nil if the Trees have identical
// keys and leaf shapes
func (t *Tree) SameStructure(o *Tree) error {
	_, err := t.Zip(o, func(a, b *tensor.Dense) (*tensor.Dense, error) {
		if !a.Shape().Eq(b.Shape()) {
			return nil, fmt.Errorf("leaf shape %v != %v", a.Shape(),
				b.Shape())
		}
		return a, nil
	})
	return err
}

// Clone returns a deep copy of the Tree, copying all leaf data
func (t *Tree) Clone() *Tree {
	clone, _ := t.Map(func(d *tensor.Dense) (*tensor.Dense, error) {
		return d.Clone().(*tensor.Dense), nil
	})
	return clone
}

// ZerosLike returns a new Tree with the structure of example, where
// each leaf has the shape of the corresponding example leaf with the
// prepend dimensions added in front. Leaves are zero filled and placed
// on the argument engine.
func ZerosLike(example *Tree, prepend []int, e tensor.Engine) (*Tree, error) {
	return example.Map(func(d *tensor.Dense) (*tensor.Dense, error) {
		shape := make([]int, 0, len(prepend)+len(d.Shape()))
		shape = append(shape, prepend...)
		shape = append(shape, d.Shape()...)

		return alloc(shape, e), nil
	})
}
