package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/akhenakh/tilepyramid/api"
	"github.com/akhenakh/tilepyramid/coverage"
	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/featureset"
	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
)

// handlers serves the REST endpoints.
type handlers struct {
	reader   *coverage.Reader
	api      *api.Server
	features *featureset.Reader
	logger   *slog.Logger
}

func (h *handlers) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gridGeometry", h.gridGeometry)
	mux.HandleFunc("GET /coverage", h.readCoverage)
	mux.HandleFunc("GET /sample/{lat}/{lon}", h.sample)
	mux.HandleFunc("POST /profile", h.profile)
	mux.HandleFunc("GET /features", h.featureCollection)
	return mux
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := api.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) gridGeometry(w http.ResponseWriter, r *http.Request) {
	g, err := h.reader.GridGeometry(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if g.IsUndefined() {
		h.fail(w, r, fmt.Errorf("%w: the source holds no data", pyramid.ErrNoSuchData))
		return
	}
	writeJSON(w, api.GeometryMap(g))
}

// readCoverage renders a region: /coverage?bbox=minx,miny,maxx,maxy&resolution=0.01&band=0&format=png
func (h *handlers) readCoverage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	m := make(map[string]any)
	if crs := q.Get("crs"); crs != "" {
		m["crs"] = crs
	}
	if bbox := q.Get("bbox"); bbox != "" {
		vs, err := parseFloats(bbox)
		if err != nil || len(vs) < 4 || len(vs)%2 != 0 {
			h.fail(w, r, fmt.Errorf("%w: bbox must list the min then the max ordinates", pyramid.ErrIllegalGeometry))
			return
		}
		n := len(vs) / 2
		m["min"] = anys(vs[:n])
		m["max"] = anys(vs[n:])
	}
	if res := q.Get("resolution"); res != "" {
		f, err := strconv.ParseFloat(res, 64)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid resolution %q", pyramid.ErrIllegalGeometry, res))
			return
		}
		m["resolution"] = f
	}
	if bands := q.Get("band"); bands != "" {
		vs, err := parseFloats(bands)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid band list %q", pyramid.ErrIllegalGeometry, bands))
			return
		}
		m["bands"] = anys(vs)
	}

	req, err := api.ParseReadRequest(m)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.api.Read(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	switch q.Get("format") {
	case "", "json":
		writeJSON(w, res.Map())
	case "png":
		band := res.Bands[0]
		var noData *float64
		if band < len(res.Dims) {
			noData = res.Dims[band].NoData
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, res.Raster.ToImage(band, noData)); err != nil {
			h.logger.Warn("failed to encode png", "error", err)
		}
	default:
		h.fail(w, r, fmt.Errorf("%w: unknown format %q", pyramid.ErrIllegalGeometry, q.Get("format")))
	}
}

// around reads the coverage at native resolution over env widened by one pixel.
func (h *handlers) around(r *http.Request, minX, minY, maxX, maxY float64) (coverage.Coverage, error) {
	native, err := h.reader.GridGeometry(r.Context())
	if err != nil {
		return nil, err
	}
	res := native.Resolution()
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: the source holds no data", pyramid.ErrNoSuchData)
	}
	step := math.Min(res[0], res[1])
	env, err := grid.NewEnvelope(native.CRS.Horizontal(),
		[]float64{minX - step, minY - step},
		[]float64{maxX + step, maxY + step},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
	}
	domain, err := grid.FromEnvelopeResolution(env, step)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
	}
	return h.reader.Read(r.Context(), domain)
}

func (h *handlers) sample(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.PathValue("lat"), 64)
	if err != nil {
		http.Error(w, "Invalid latitude", http.StatusBadRequest)
		return
	}
	lng, err := strconv.ParseFloat(r.PathValue("lon"), 64)
	if err != nil {
		http.Error(w, "Invalid longitude", http.StatusBadRequest)
		return
	}
	cov, err := h.around(r, lng, lat, lng, lat)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	values, err := coverage.Evaluate(r.Context(), cov, []float64{lng, lat})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"latitude": lat, "longitude": lng, "values": values})
}

// profile samples a polyline posted as [[lat, lon], ...].
func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	var req [][]float64
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req) < 2 {
		http.Error(w, "at least two points are required for a profile", http.StatusBadRequest)
		return
	}
	path := make([][2]float64, len(req))
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i, p := range req {
		if len(p) != 2 {
			http.Error(w, fmt.Sprintf("point %d is not a [lat, lon] pair", i), http.StatusBadRequest)
			return
		}
		path[i] = [2]float64{p[1], p[0]}
		minX, maxX = math.Min(minX, p[1]), math.Max(maxX, p[1])
		minY, maxY = math.Min(minY, p[0]), math.Max(maxY, p[0])
	}
	cov, err := h.around(r, minX, minY, maxX, maxY)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	samples, err := coverage.Profile(r.Context(), cov, path)
	if err != nil {
		if !errors.Is(err, pyramid.ErrNoSuchData) && !errors.Is(err, pyramid.ErrIllegalGeometry) {
			err = fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
		}
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, len(samples))
	for i, s := range samples {
		out[i] = map[string]any{"latitude": s.Y, "longitude": s.X, "values": s.Values}
	}
	writeJSON(w, out)
}

// featureCollection returns the features of the feature pyramid as GeoJSON:
// /features?bbox=minx,miny,maxx,maxy&resolution=10&key=value
func (h *handlers) featureCollection(w http.ResponseWriter, r *http.Request) {
	if h.features == nil {
		http.Error(w, "no feature pyramid is served", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	var query featureset.Query
	var filters feature.And
	for key, values := range q {
		switch key {
		case "bbox":
			vs, err := parseFloats(values[0])
			if err != nil || len(vs) != 4 {
				http.Error(w, "bbox must be minx,miny,maxx,maxy", http.StatusBadRequest)
				return
			}
			filters = append(filters, feature.BBox{Extent: geom.NewExtent([2]float64{vs[0], vs[1]}, [2]float64{vs[2], vs[3]})})
		case "resolution":
			f, err := strconv.ParseFloat(values[0], 64)
			if err != nil {
				http.Error(w, "Invalid resolution", http.StatusBadRequest)
				return
			}
			query.LinearResolution = f
		default:
			var v any = values[0]
			if f, err := strconv.ParseFloat(values[0], 64); err == nil {
				v = f
			}
			filters = append(filters, feature.PropertyEquals{Name: key, Value: v})
		}
	}
	if len(filters) > 0 {
		query.Filter = filters
	}

	it, err := h.features.Features(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	fs, err := feature.Collect(it)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := feature.EncodeGeoJSON(fs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func anys(vs []float64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}
