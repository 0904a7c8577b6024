package memstore

import (
	"context"
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/go-spatial/geom"

	"github.com/akhenakh/tilepyramid/feature"
)

// rtreego does not count touching boxes as intersecting, stored and queried boxes are grown by
// pad and matches are checked again on the exact extents.
const pad = 1e-9

type indexed struct {
	seq    int
	ext    *geom.Extent
	bounds rtreego.Rect
}

func (i *indexed) Bounds() rtreego.Rect { return i.bounds }

// FeatureTile is an in-memory feature source indexed by an r-tree.
type FeatureTile struct {
	features []feature.Feature
	// features with no geometry are not indexed and never match an extent query
	tree *rtreego.Rtree
}

// NewFeatureTile indexes fs. The slice is not copied.
func NewFeatureTile(fs []feature.Feature) *FeatureTile {
	ft := &FeatureTile{features: fs, tree: rtreego.NewTree(2, 4, 16)}
	for i, f := range fs {
		ext := f.Extent()
		if ext == nil {
			continue
		}
		r, err := rectOf(ext)
		if err != nil {
			continue
		}
		ft.tree.Insert(&indexed{seq: i, ext: ext, bounds: r})
	}
	return ft
}

func rectOf(ext *geom.Extent) (rtreego.Rect, error) {
	return rtreego.NewRectFromPoints(
		rtreego.Point{ext.MinX() - pad, ext.MinY() - pad},
		rtreego.Point{ext.MaxX() + pad, ext.MaxY() + pad},
	)
}

// Len returns the number of features of the tile.
func (ft *FeatureTile) Len() int { return len(ft.features) }

func (ft *FeatureTile) Features(context.Context) (feature.Iterator, error) {
	return feature.NewSliceIterator(ft.features), nil
}

// FeaturesIn returns the features whose extent intersects ext, in insertion order.
func (ft *FeatureTile) FeaturesIn(_ context.Context, ext *geom.Extent) (feature.Iterator, error) {
	if ext == nil {
		return feature.NewSliceIterator(ft.features), nil
	}
	q, err := rectOf(ext)
	if err != nil {
		return nil, err
	}
	var hits []*indexed
	for _, s := range ft.tree.SearchIntersect(q) {
		i := s.(*indexed)
		if feature.Intersects(i.ext, ext) {
			hits = append(hits, i)
		}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].seq < hits[b].seq })
	fs := make([]feature.Feature, len(hits))
	for k, h := range hits {
		fs[k] = ft.features[h.seq]
	}
	return feature.NewSliceIterator(fs), nil
}
