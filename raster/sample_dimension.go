package raster

import "strconv"

// SampleDimension describes one band of a coverage.
type SampleDimension struct {
	Name     string   `json:"name"`
	DataType DataType `json:"-"`
	NoData   *float64 `json:"noData,omitempty"`
	Units    string   `json:"units,omitempty"`
}

// DefaultSampleDimensions names n bands "band_0".."band_n-1".
func DefaultSampleDimensions(n int, dt DataType) []SampleDimension {
	dims := make([]SampleDimension, n)
	for i := range dims {
		dims[i] = SampleDimension{Name: bandName(i), DataType: dt}
	}
	return dims
}

func bandName(i int) string { return "band_" + strconv.Itoa(i) }
