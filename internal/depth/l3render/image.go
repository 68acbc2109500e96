package l3render

import (
	"errors"
	"fmt"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
)

// Channels is the number of values stored per pixel: x, y, z, valid.
const Channels = 4

// ErrShapeMismatch is returned when image sizes or batch lengths disagree.
var ErrShapeMismatch = errors.New("shape mismatch")

// CoordinateImage is an H×W×4 image of camera-frame points stored
// row-major. A valid pixel holds (x, y, z, 1); an invalid pixel is all zero.
type CoordinateImage struct {
	Height int
	Width  int
	Data   []float64
}

// NewCoordinateImage allocates an all-invalid image.
func NewCoordinateImage(height, width int) *CoordinateImage {
	return &CoordinateImage{
		Height: height,
		Width:  width,
		Data:   make([]float64, height*width*Channels),
	}
}

func (im *CoordinateImage) offset(row, col int) int {
	return (row*im.Width + col) * Channels
}

// At returns the four channels of pixel (row, col).
func (im *CoordinateImage) At(row, col int) [Channels]float64 {
	o := im.offset(row, col)
	return [Channels]float64{im.Data[o], im.Data[o+1], im.Data[o+2], im.Data[o+3]}
}

// Point returns the xyz channels of pixel (row, col).
func (im *CoordinateImage) Point(row, col int) l1transform.Vec3 {
	o := im.offset(row, col)
	return l1transform.Vec3{im.Data[o], im.Data[o+1], im.Data[o+2]}
}

// Set stores p at (row, col) and marks the pixel valid.
func (im *CoordinateImage) Set(row, col int, p l1transform.Vec3) {
	o := im.offset(row, col)
	im.Data[o], im.Data[o+1], im.Data[o+2], im.Data[o+3] = p[0], p[1], p[2], 1
}

// Clear marks (row, col) invalid.
func (im *CoordinateImage) Clear(row, col int) {
	o := im.offset(row, col)
	im.Data[o], im.Data[o+1], im.Data[o+2], im.Data[o+3] = 0, 0, 0, 0
}

// Valid reports whether pixel (row, col) holds a hit.
func (im *CoordinateImage) Valid(row, col int) bool {
	return im.Data[im.offset(row, col)+3] != 0
}

// Depth returns the z channel as an H*W row-major slice; invalid pixels are 0.
func (im *CoordinateImage) Depth() []float64 {
	out := make([]float64, im.Height*im.Width)
	for i := range out {
		out[i] = im.Data[i*Channels+2]
	}
	return out
}

// ValidCount returns the number of valid pixels.
func (im *CoordinateImage) ValidCount() int {
	n := 0
	for i := 3; i < len(im.Data); i += Channels {
		if im.Data[i] != 0 {
			n++
		}
	}
	return n
}

// ValidPoints returns the xyz of every valid pixel in raster order.
func (im *CoordinateImage) ValidPoints() []l1transform.Vec3 {
	var out []l1transform.Vec3
	for i := 0; i < len(im.Data); i += Channels {
		if im.Data[i+3] != 0 {
			out = append(out, l1transform.Vec3{im.Data[i], im.Data[i+1], im.Data[i+2]})
		}
	}
	return out
}

// Clone returns a deep copy.
func (im *CoordinateImage) Clone() *CoordinateImage {
	out := &CoordinateImage{Height: im.Height, Width: im.Width, Data: make([]float64, len(im.Data))}
	copy(out.Data, im.Data)
	return out
}

// CheckSameShape returns ErrShapeMismatch unless a and b have equal sizes
// and well-formed data.
func CheckSameShape(a, b *CoordinateImage) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil image", ErrShapeMismatch)
	}
	if a.Height != b.Height || a.Width != b.Width {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, a.Height, a.Width, b.Height, b.Width)
	}
	for _, im := range []*CoordinateImage{a, b} {
		if len(im.Data) != im.Height*im.Width*Channels {
			return fmt.Errorf("%w: data length %d for %dx%d", ErrShapeMismatch, len(im.Data), im.Height, im.Width)
		}
	}
	return nil
}

// DepthToCoordinates lifts an H*W row-major depth map into a coordinate
// image. Pixels with non-positive or non-finite depth are invalid.
func DepthToCoordinates(depth []float64, cam Camera) (*CoordinateImage, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if len(depth) != cam.NumPixels() {
		return nil, fmt.Errorf("%w: depth has %d values, camera has %d pixels", ErrShapeMismatch, len(depth), cam.NumPixels())
	}
	im := NewCoordinateImage(cam.Height, cam.Width)
	for r := 0; r < cam.Height; r++ {
		for c := 0; c < cam.Width; c++ {
			z := depth[r*cam.Width+c]
			if !finitePositive(z) {
				continue
			}
			im.Set(r, c, cam.RayDirection(r, c).Scale(z))
		}
	}
	return im, nil
}
