package main

import (
	"encoding/json"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tilepyramid/api"
	"github.com/akhenakh/tilepyramid/coverage"
	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/featureset"
	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/memstore"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

// newHandlers serves x [0, 20] y [0, 20]: 2x2 tiles of 10 pixels at scale 1, tile (x, y)
// holding x+10y, over one tile at scale 2 holding 7. The feature pyramid has two points.
func newHandlers(t *testing.T) http.Handler {
	t.Helper()
	model := raster.SampleModel{Width: 10, Height: 10, Bands: 1, DataType: raster.Int16}
	fine := memstore.NewMosaic(pyramid.Descriptor{
		ID: "fine", Scale: 1, TileSize: image.Pt(10, 10), GridSize: image.Pt(2, 2), UpperLeft: []float64{0, 20},
	})
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			r := raster.New(model, image.Point{})
			r.Fill(0, float64(x+10*y))
			fine.PutRaster(x, y, r)
		}
	}
	coarse := memstore.NewMosaic(pyramid.Descriptor{
		ID: "coarse", Scale: 2, TileSize: image.Pt(10, 10), GridSize: image.Pt(1, 1), UpperLeft: []float64{0, 20},
	})
	r := raster.New(model, image.Point{})
	r.Fill(0, 7)
	coarse.PutRaster(0, 0, r)
	p, err := pyramid.New("dem", grid.WGS84, fine, coarse)
	require.NoError(t, err)

	poi := memstore.NewMosaic(pyramid.Descriptor{
		ID: "poi", Scale: 1, TileSize: image.Pt(20, 20), GridSize: image.Pt(1, 1), UpperLeft: []float64{0, 20},
	})
	poi.PutFeatures(0, 0, []feature.Feature{
		{ID: 1, Geometry: geom.Point{2, 18}, Properties: map[string]any{"kind": "peak", "height": 1200.0}},
		{ID: 2, Geometry: geom.Point{15, 3}, Properties: map[string]any{"kind": "lake"}},
	})
	fp, err := pyramid.New("poi", grid.WGS84, poi)
	require.NoError(t, err)

	reader := coverage.NewReader(memstore.NewSource(nil, p))
	t.Cleanup(reader.Close)
	h := &handlers{
		reader:   reader,
		api:      api.NewServer(reader),
		features: featureset.NewReader(fp),
		logger:   slog.Default(),
	}
	return h.routes()
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGridGeometryHandler(t *testing.T) {
	rec := serve(t, newHandlers(t), http.MethodGet, "/gridGeometry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[map[string]any](t, rec)
	assert.Equal(t, "EPSG:4326", m["crs"])
	assert.Equal(t, []any{1.0, 1.0}, m["resolution"])
}

func TestCoverageHandler(t *testing.T) {
	h := newHandlers(t)

	rec := serve(t, h, http.MethodGet, "/coverage?bbox=5,5,15,15&resolution=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[map[string]any](t, rec)
	assert.Equal(t, 10.0, m["width"])
	assert.Equal(t, "int16", m["dataType"])

	rec = serve(t, h, http.MethodGet, "/coverage?bbox=5,5,15,15&resolution=1&format=png", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 10), img.Bounds())

	tests := []struct {
		target string
		code   int
	}{
		{"/coverage?bbox=100,100,110,110", http.StatusNotFound},
		{"/coverage?bbox=1,2,3", http.StatusBadRequest},
		{"/coverage?bbox=5,5,15,15&format=tiff", http.StatusBadRequest},
		{"/coverage?bbox=5,5,15,15&resolution=fine", http.StatusBadRequest},
		{"/coverage?bbox=5,5,15,15&band=4", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			rec := serve(t, h, http.MethodGet, tc.target, "")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestSampleHandler(t *testing.T) {
	h := newHandlers(t)

	rec := serve(t, h, http.MethodGet, "/sample/5.5/15.5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[map[string]any](t, rec)
	assert.Equal(t, []any{11.0}, m["values"])

	rec = serve(t, h, http.MethodGet, "/sample/north/15.5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, "/sample/50/50", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestProfileHandler(t *testing.T) {
	h := newHandlers(t)

	rec := serve(t, h, http.MethodPost, "/profile", "[[15.5, 2.5], [15.5, 17.5]]")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	samples := decode[[]map[string]any](t, rec)
	require.Len(t, samples, 16)
	assert.Equal(t, []any{0.0}, samples[0]["values"])
	assert.Equal(t, 2.5, samples[0]["longitude"])
	assert.Equal(t, 15.5, samples[0]["latitude"])
	assert.Equal(t, []any{1.0}, samples[15]["values"])

	rec = serve(t, h, http.MethodPost, "/profile", "[[15.5, 2.5]]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, h, http.MethodPost, "/profile", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeaturesHandler(t *testing.T) {
	h := newHandlers(t)

	rec := serve(t, h, http.MethodGet, "/features?kind=peak", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fs, err := feature.DecodeGeoJSON(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "peak", fs[0].Properties["kind"])

	rec = serve(t, h, http.MethodGet, "/features?bbox=10,0,20,10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fs, err = feature.DecodeGeoJSON(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "lake", fs[0].Properties["kind"])

	rec = serve(t, h, http.MethodGet, "/features?height=1200", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fs, err = feature.DecodeGeoJSON(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fs, 1)

	rec = serve(t, h, http.MethodGet, "/features?bbox=1,2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
