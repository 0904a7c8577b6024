package blobstore

import (
	"fmt"
	"image"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

const (
	KindRaster   = "raster"
	KindFeatures = "features"
)

// Manifest is the document describing every pyramid of a store.
type Manifest struct {
	Pyramids []PyramidDoc `json:"pyramids" validate:"required,min=1,dive"`
	// Extensions keeps the keys this package does not know about.
	Extensions map[string]any `json:"-"`
}

type PyramidDoc struct {
	ID        string `json:"id" validate:"required,excludesall=/"`
	Kind      string `json:"kind" default:"raster" validate:"oneof=raster features"`
	CRS       string `json:"crs" validate:"required"`
	Dimension int    `json:"dimension" default:"2" validate:"min=2"`
	// DataType is the sample type of raster tiles.
	DataType string      `json:"dataType,omitempty" default:"float32" validate:"oneof=uint8 int8 uint16 int16 uint32 int32 float32 float64"`
	Bands    []BandDoc   `json:"bands,omitempty" validate:"dive"`
	Mosaics  []MosaicDoc `json:"mosaics" validate:"dive"`
}

type BandDoc struct {
	Name   string   `json:"name" validate:"required"`
	NoData *float64 `json:"noData,omitempty"`
	Units  string   `json:"units,omitempty"`
}

type MosaicDoc struct {
	ID         string    `json:"id" validate:"required,excludesall=/"`
	Scale      float64   `json:"scale" validate:"gt=0"`
	TileWidth  int       `json:"tileWidth" default:"256" validate:"min=1"`
	TileHeight int       `json:"tileHeight" default:"256" validate:"min=1"`
	GridWidth  int       `json:"gridWidth" validate:"min=1"`
	GridHeight int       `json:"gridHeight" validate:"min=1"`
	UpperLeft  []float64 `json:"upperLeft" validate:"min=2"`
	// DataExtent is the tile rectangle holding data as [minX, minY, maxX, maxY), the whole
	// grid when absent.
	DataExtent []int `json:"dataExtent,omitempty" validate:"omitempty,len=4"`
	// Missing lists the [x, y] tiles known to be empty.
	Missing [][]int `json:"missing,omitempty" validate:"omitempty,dive,len=2"`
}

// ParseManifest decodes, defaults and validates a manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	extensions, err := marshmallow.Unmarshal(data, &m, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: can't decode manifest: %w", pyramid.ErrDataStore, err)
	}
	m.Extensions = extensions

	for i := range m.Pyramids {
		p := &m.Pyramids[i]
		if err := defaults.Set(p); err != nil {
			return Manifest{}, err
		}
		for j := range p.Mosaics {
			if err := defaults.Set(&p.Mosaics[j]); err != nil {
				return Manifest{}, err
			}
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: invalid manifest: %w", pyramid.ErrDataStore, err)
	}
	seen := make(map[string]bool)
	for _, p := range m.Pyramids {
		if seen[p.ID] {
			return Manifest{}, fmt.Errorf("%w: duplicate pyramid %q", pyramid.ErrDataStore, p.ID)
		}
		seen[p.ID] = true
		for _, md := range p.Mosaics {
			if len(md.UpperLeft) != p.Dimension {
				return Manifest{}, fmt.Errorf("%w: mosaic %q of %q has a %dD corner in a %dD crs",
					pyramid.ErrDataStore, md.ID, p.ID, len(md.UpperLeft), p.Dimension)
			}
		}
	}
	return m, nil
}

// Pyramid returns the document of pyramid id.
func (m Manifest) Pyramid(id string) (PyramidDoc, bool) {
	for _, p := range m.Pyramids {
		if p.ID == id {
			return p, true
		}
	}
	return PyramidDoc{}, false
}

func (p PyramidDoc) crs() grid.CRS {
	return grid.CRS{Code: p.CRS, Dimension: p.Dimension}
}

// SampleDimensions describes the bands of a raster pyramid.
func (p PyramidDoc) SampleDimensions() []raster.SampleDimension {
	dt, err := raster.ParseDataType(p.DataType)
	if err != nil {
		dt = raster.Float32
	}
	dims := make([]raster.SampleDimension, 0, len(p.Bands))
	for _, b := range p.Bands {
		dims = append(dims, raster.SampleDimension{Name: b.Name, DataType: dt, NoData: b.NoData, Units: b.Units})
	}
	return dims
}

func (md MosaicDoc) descriptor() pyramid.Descriptor {
	d := pyramid.Descriptor{
		ID:        md.ID,
		Scale:     md.Scale,
		TileSize:  image.Pt(md.TileWidth, md.TileHeight),
		GridSize:  image.Pt(md.GridWidth, md.GridHeight),
		UpperLeft: append([]float64(nil), md.UpperLeft...),
	}
	if len(md.DataExtent) == 4 {
		d.DataExtent = image.Rect(md.DataExtent[0], md.DataExtent[1], md.DataExtent[2], md.DataExtent[3])
	}
	return d
}

// MosaicDocOf describes a mosaic descriptor, for writers.
func MosaicDocOf(d pyramid.Descriptor) MosaicDoc {
	md := MosaicDoc{
		ID:         d.ID,
		Scale:      d.Scale,
		TileWidth:  d.TileSize.X,
		TileHeight: d.TileSize.Y,
		GridWidth:  d.GridSize.X,
		GridHeight: d.GridSize.Y,
		UpperLeft:  append([]float64(nil), d.UpperLeft...),
	}
	if !d.DataExtent.Empty() {
		r := d.DataExtent
		md.DataExtent = []int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
	}
	return md
}
