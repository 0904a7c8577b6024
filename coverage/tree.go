package coverage

import (
	"fmt"
	"sort"

	"github.com/akhenakh/tilepyramid/pyramid"
)

// node is a slice tree: either a leaf holding the single mosaic of a 2D slice, or a group of
// subtrees keyed by their ordinate along dim, keys increasing.
type node struct {
	mosaic pyramid.Mosaic

	dim      int
	keys     []float64
	children []*node
}

func (n *node) isLeaf() bool { return n.mosaic != nil }

// buildTree groups mosaics by their corner ordinate along dim, then recursively along the
// lower dimensions, down to the horizontal plane. Below dimension 2 every group must hold
// exactly one mosaic.
func buildTree(ms []pyramid.Mosaic, dim int) (*node, error) {
	if dim < 2 {
		if len(ms) != 1 {
			ids := make([]string, len(ms))
			for i, m := range ms {
				ids[i] = m.Descriptor().ID
			}
			return nil, fmt.Errorf("%w: mosaics %v share every slice ordinate", pyramid.ErrIllegalGeometry, ids)
		}
		return &node{mosaic: ms[0]}, nil
	}

	groups := make(map[float64][]pyramid.Mosaic)
	for _, m := range ms {
		ul := m.Descriptor().UpperLeft
		if dim >= len(ul) {
			return nil, fmt.Errorf("%w: mosaic %q has no ordinate along dimension %d", pyramid.ErrIllegalGeometry, m.Descriptor().ID, dim)
		}
		groups[ul[dim]] = append(groups[ul[dim]], m)
	}
	keys := make([]float64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	n := &node{dim: dim, keys: keys}
	for _, k := range keys {
		child, err := buildTree(groups[k], dim-1)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
	return n, nil
}
