package pyramid

import "errors"

var (
	// ErrDataStore reports a configuration or storage level failure: an empty tile range, a
	// mosaic with no readable tile and no declared layout, a broken descriptor.
	ErrDataStore = errors.New("data store failure")

	// ErrIllegalGeometry reports a grid geometry that cannot be served: a transform not
	// reducible to two horizontal dimensions, or slices that cannot be stacked.
	ErrIllegalGeometry = errors.New("illegal grid geometry")

	// ErrInconsistentTile reports a tile violating the layout declared by its own mosaic.
	// It points at a defective tile producer and is never patched over.
	ErrInconsistentTile = errors.New("inconsistent tile")

	// ErrNoSuchData reports a request outside the data: no pyramid for the CRS, no mosaic
	// for the resolution, or no intersection with the requested envelope.
	ErrNoSuchData = errors.New("no such data")
)
