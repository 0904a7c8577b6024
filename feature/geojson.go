package feature

import (
	"encoding/json"
	"fmt"

	"github.com/go-spatial/geom/encoding/geojson"
)

// DecodeGeoJSON reads a GeoJSON FeatureCollection.
func DecodeGeoJSON(data []byte) ([]Feature, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decoding feature collection: %w", err)
	}
	fs := make([]Feature, 0, len(fc.Features))
	for _, gf := range fc.Features {
		f := Feature{Geometry: gf.Geometry.Geometry, Properties: gf.Properties}
		if gf.ID != nil {
			f.ID = *gf.ID
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// EncodeGeoJSON writes features as a GeoJSON FeatureCollection.
func EncodeGeoJSON(fs []Feature) ([]byte, error) {
	fc := geojson.FeatureCollection{Features: make([]geojson.Feature, 0, len(fs))}
	for _, f := range fs {
		id := f.ID
		props := f.Properties
		if props == nil {
			props = map[string]any{}
		}
		fc.Features = append(fc.Features, geojson.Feature{
			ID:         &id,
			Geometry:   geojson.Geometry{Geometry: f.Geometry},
			Properties: props,
		})
	}
	return json.Marshal(fc)
}
