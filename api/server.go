package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-spatial/geom"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/akhenakh/tilepyramid/coverage"
	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

const defaultMaxPixels = 4 << 20

// Server implements CoverageServiceServer over a coverage reader.
type Server struct {
	reader    *coverage.Reader
	logger    *slog.Logger
	maxPixels int
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxPixels bounds the number of samples a single read may render.
func WithMaxPixels(n int) Option {
	return func(s *Server) { s.maxPixels = n }
}

func NewServer(r *coverage.Reader, opts ...Option) *Server {
	s := &Server{reader: r, logger: slog.Default(), maxPixels: defaultMaxPixels}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) GetGridGeometry(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	g, err := s.reader.GridGeometry(ctx)
	if err != nil {
		return nil, Status(err)
	}
	if g.IsUndefined() {
		return nil, status.Error(codes.NotFound, "the source holds no data")
	}
	out, err := structpb.NewStruct(GeometryMap(g))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode grid geometry: %v", err)
	}
	return out, nil
}

func (s *Server) ReadCoverage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := ParseReadRequest(in.AsMap())
	if err != nil {
		return nil, Status(err)
	}
	res, err := s.Read(ctx, req)
	if err != nil {
		return nil, Status(err)
	}
	out, err := structpb.NewStruct(res.Map())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode coverage: %v", err)
	}
	return out, nil
}

// Result is a rendered region of a coverage.
type Result struct {
	// Geometry locates the pixels of Raster, its extent is the rendered region.
	Geometry grid.Geometry
	Raster   *raster.Raster
	Bands    []int
	Dims     []raster.SampleDimension
}

// Read renders the cells of the coverage covering the request envelope, at the resolution
// picked for it.
func (s *Server) Read(ctx context.Context, req ReadRequest) (*Result, error) {
	domain, err := req.domain()
	if err != nil {
		return nil, err
	}
	cov, err := s.reader.Read(ctx, domain)
	if err != nil {
		return nil, err
	}
	g := cov.GridGeometry()

	var bbox *geom.Extent
	if len(req.Min) >= 2 && !domain.CRS.Horizontal().Equal(g.CRS.Horizontal()) {
		s.logger.Debug("request crs differs from the coverage, rendering the whole read", "request_crs", domain.CRS.String(), "coverage_crs", g.CRS.String())
	} else if len(req.Min) >= 2 {
		bbox = &geom.Extent{req.Min[0], req.Min[1], req.Max[0], req.Max[1]}
	}
	region, err := coverage.Region(g, bbox, sliceOrdinates(g, req)...)
	if err != nil {
		return nil, err
	}

	bands := req.Bands
	dims := cov.SampleDimensions()
	if len(bands) == 0 {
		for b := range dims {
			bands = append(bands, b)
		}
	}
	for _, b := range bands {
		if b < 0 || b >= len(dims) {
			return nil, fmt.Errorf("%w: no band %d, the coverage has %d", pyramid.ErrIllegalGeometry, b, len(dims))
		}
	}
	if n := region.Size(0) * region.Size(1) * int64(len(bands)); n > int64(s.maxPixels) {
		return nil, fmt.Errorf("%w: %d samples requested, at most %d are rendered", pyramid.ErrIllegalGeometry, n, s.maxPixels)
	}

	r, err := cov.Render(ctx, &region)
	if err != nil {
		return nil, err
	}
	out := g
	out.Extent = region
	out.Region = nil
	return &Result{Geometry: out, Raster: r, Bands: bands, Dims: dims}, nil
}

// sliceOrdinates picks the slice of every extra dimension: the center of the request range,
// or the only slice when there is one.
func sliceOrdinates(g grid.Geometry, req ReadRequest) []float64 {
	var extra []float64
	last := 0
	for d := 2; d < g.Extent.Dimension(); d++ {
		axis, ok := g.Axis(d)
		if !ok || len(axis.Values) == 0 {
			return nil
		}
		v := axis.Values[0]
		if g.Extent.Size(d) > 1 && d < len(req.Min) {
			v = (req.Min[d] + req.Max[d]) / 2
			last = len(extra) + 1
		}
		extra = append(extra, v)
	}
	return extra[:last]
}

// Map encodes the result for a Struct: the geometry, then one entry per band with the
// samples in row-major order.
func (r *Result) Map() map[string]any {
	bounds := r.Raster.Bounds()
	bands := make([]any, 0, len(r.Bands))
	for _, b := range r.Bands {
		values := make([]any, 0, bounds.Dx()*bounds.Dy())
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				values = append(values, jsonNumber(r.Raster.Sample(x, y, b)))
			}
		}
		band := map[string]any{"index": b, "values": values}
		if b < len(r.Dims) {
			band["name"] = r.Dims[b].Name
			if nd := r.Dims[b].NoData; nd != nil {
				band["noData"] = *nd
			}
			if r.Dims[b].Units != "" {
				band["units"] = r.Dims[b].Units
			}
		}
		bands = append(bands, band)
	}
	return map[string]any{
		"geometry": GeometryMap(r.Geometry),
		"width":    bounds.Dx(),
		"height":   bounds.Dy(),
		"dataType": r.Raster.DataType().String(),
		"bands":    bands,
	}
}

// jsonNumber maps NaN to null, JSON has no representation for it.
func jsonNumber(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// GeometryMap encodes a grid geometry with JSON compatible values.
func GeometryMap(g grid.Geometry) map[string]any {
	m := map[string]any{
		"crs":       g.CRS.Code,
		"dimension": g.CRS.Dimension,
	}
	if len(g.Extent.Low) > 0 {
		m["extent"] = map[string]any{"low": int64s(g.Extent.Low), "high": int64s(g.Extent.High)}
	}
	if g.GridToCRS != nil {
		m["gridToCRS"] = floats(g.GridToCRS[:])
		if res := g.Resolution(); res != nil {
			m["resolution"] = floats(res)
		}
	}
	if env := g.Envelope(); env.Dimension() > 0 {
		m["envelope"] = map[string]any{"min": floats(env.Min), "max": floats(env.Max)}
	}
	if len(g.Axes) > 0 {
		axes := make([]any, 0, len(g.Axes))
		for _, a := range g.Axes {
			axes = append(axes, map[string]any{"dimension": a.Dimension, "values": floats(a.Values)})
		}
		m["axes"] = axes
	}
	return m
}

func floats(vs []float64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = jsonNumber(v)
	}
	return out
}

func int64s(vs []int64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// Code maps read errors to gRPC codes.
func Code(err error) codes.Code {
	switch {
	case errors.Is(err, pyramid.ErrNoSuchData):
		return codes.NotFound
	case errors.Is(err, pyramid.ErrIllegalGeometry):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// Status converts err to a gRPC status error.
func Status(err error) error {
	return status.Error(Code(err), err.Error())
}

// HTTPStatus maps read errors to HTTP status codes.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
