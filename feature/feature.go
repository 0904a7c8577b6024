// Package feature holds the vector side of the pyramids: features, pull based iterators over
// them and the filters selecting them.
package feature

import (
	"context"

	"github.com/go-spatial/geom"
)

// Feature is a geometry with attributes.
type Feature struct {
	ID         uint64
	Geometry   geom.Geometry
	Properties map[string]any
}

// Extent returns the bounding box of the feature geometry, nil when it has none.
func (f Feature) Extent() *geom.Extent {
	if f.Geometry == nil {
		return nil
	}
	ext, err := geom.NewExtentFromGeometry(f.Geometry)
	if err != nil {
		return nil
	}
	return ext
}

// Iterator is a single pass, pull based stream of features.
//
//	for it.Next() {
//		f := it.Feature()
//	}
//	if err := it.Err(); err != nil {
//	}
type Iterator interface {
	Next() bool
	Feature() Feature
	Err() error
	Close() error
}

// Source produces features.
type Source interface {
	Features(ctx context.Context) (Iterator, error)
}

// BoundedSource is a source able to restrict its output to the features whose extent
// intersects a box.
type BoundedSource interface {
	Source
	FeaturesIn(ctx context.Context, ext *geom.Extent) (Iterator, error)
}

// SliceIterator iterates over an in-memory list.
type SliceIterator struct {
	features []Feature
	pos      int
}

func NewSliceIterator(features []Feature) *SliceIterator {
	return &SliceIterator{features: features, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.features) {
		it.pos = len(it.features)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Feature() Feature { return it.features[it.pos] }
func (it *SliceIterator) Err() error       { return nil }
func (it *SliceIterator) Close() error     { return nil }

// Collect drains it and closes it.
func Collect(it Iterator) ([]Feature, error) {
	defer it.Close()
	var fs []Feature
	for it.Next() {
		fs = append(fs, it.Feature())
	}
	return fs, it.Err()
}

// Intersects reports whether two extents overlap, touching edges included.
func Intersects(a, b *geom.Extent) bool {
	if a == nil || b == nil {
		return false
	}
	return a.MinX() <= b.MaxX() && b.MinX() <= a.MaxX() && a.MinY() <= b.MaxY() && b.MinY() <= a.MaxY()
}
