package api

import (
	"fmt"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
)

// ReadRequest selects what a coverage read renders.
//
//	{"crs": "EPSG:4326", "min": [6.8, 45.8], "max": [6.9, 45.9], "resolution": 0.001, "bands": [0]}
//
// Every key is optional: without an envelope the native grid is read, without a resolution
// the coarsest level covering the envelope is picked. The CRS defaults to EPSG:4326, ordinates
// past the second are extra axes.
type ReadRequest struct {
	CRS        string
	Min, Max   []float64
	Resolution float64
	Bands      []int
}

// ParseReadRequest decodes a request from the map form of a Struct or a JSON object.
func ParseReadRequest(m map[string]any) (ReadRequest, error) {
	req := ReadRequest{CRS: grid.WGS84.Code}
	var err error
	if v, ok := m["crs"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return req, fmt.Errorf("%w: crs must be a non empty string", pyramid.ErrIllegalGeometry)
		}
		req.CRS = s
	}
	if req.Min, err = numbers(m, "min"); err != nil {
		return req, err
	}
	if req.Max, err = numbers(m, "max"); err != nil {
		return req, err
	}
	if len(req.Min) != len(req.Max) {
		return req, fmt.Errorf("%w: min has %d ordinates, max %d", pyramid.ErrIllegalGeometry, len(req.Min), len(req.Max))
	}
	if len(req.Min) == 1 {
		return req, fmt.Errorf("%w: envelopes need at least 2 ordinates", pyramid.ErrIllegalGeometry)
	}
	if v, ok := m["resolution"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return req, fmt.Errorf("%w: resolution must be a positive number", pyramid.ErrIllegalGeometry)
		}
		req.Resolution = f
	}
	bands, err := numbers(m, "bands")
	if err != nil {
		return req, err
	}
	for _, b := range bands {
		if b != float64(int(b)) || b < 0 {
			return req, fmt.Errorf("%w: band %v is not an index", pyramid.ErrIllegalGeometry, b)
		}
		req.Bands = append(req.Bands, int(b))
	}
	return req, nil
}

func numbers(m map[string]any, key string) ([]float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list of numbers", pyramid.ErrIllegalGeometry, key)
	}
	out := make([]float64, len(list))
	for i, e := range list {
		f, ok := e.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] is not a number", pyramid.ErrIllegalGeometry, key, i)
		}
		out[i] = f
	}
	return out, nil
}

// domain converts the request to the grid geometry handed to the coverage reader.
func (r ReadRequest) domain() (grid.Geometry, error) {
	if len(r.Min) == 0 {
		return grid.Undefined, nil
	}
	crs := grid.CRS{Code: r.CRS, Dimension: 2}.WithExtraAxes(len(r.Min) - 2)
	env, err := grid.NewEnvelope(crs, r.Min, r.Max)
	if err != nil {
		return grid.Undefined, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
	}
	if r.Resolution == 0 {
		return grid.FromEnvelope(env), nil
	}
	g, err := grid.FromEnvelopeResolution(env, r.Resolution)
	if err != nil {
		return grid.Undefined, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
	}
	return g, nil
}
