package l3render

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l1transform"
)

// ErrInvalidCamera is returned for non-positive image sizes or focal lengths.
var ErrInvalidCamera = errors.New("invalid camera")

// Camera holds pinhole intrinsics. The camera sits at the origin looking
// along +z, with +x to the right (columns) and +y down (rows).
type Camera struct {
	Height int     `json:"height"`
	Width  int     `json:"width"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
}

// DefaultCamera returns the 120×160 camera used by the tracking experiment.
func DefaultCamera() Camera {
	return Camera{Height: 120, Width: 160, Fx: 200, Fy: 200, Cx: 80, Cy: 60}
}

// CameraFromConfig builds the camera intrinsics from the inference config.
func CameraFromConfig(cfg *config.InferenceConfig) Camera {
	return Camera{
		Height: cfg.GetCameraHeight(),
		Width:  cfg.GetCameraWidth(),
		Fx:     cfg.GetCameraFx(),
		Fy:     cfg.GetCameraFy(),
		Cx:     cfg.GetCameraCx(),
		Cy:     cfg.GetCameraCy(),
	}
}

// Validate checks the intrinsics.
func (c Camera) Validate() error {
	if c.Height <= 0 || c.Width <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidCamera, c.Height, c.Width)
	}
	for _, f := range []float64{c.Fx, c.Fy} {
		if !(f > 0) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: focal length %v", ErrInvalidCamera, f)
		}
	}
	if math.IsNaN(c.Cx) || math.IsNaN(c.Cy) {
		return fmt.Errorf("%w: principal point is NaN", ErrInvalidCamera)
	}
	return nil
}

// RayDirection returns the unnormalised ray through pixel (row, col). Its z
// component is 1, so a hit at parameter d has depth d.
func (c Camera) RayDirection(row, col int) l1transform.Vec3 {
	return l1transform.Vec3{
		(float64(col) - c.Cx) / c.Fx,
		(float64(row) - c.Cy) / c.Fy,
		1,
	}
}

// Project returns the (row, col) pixel coordinates of a camera-frame point.
// ok is false for points on or behind the image plane.
func (c Camera) Project(p l1transform.Vec3) (row, col float64, ok bool) {
	if !(p[2] > 0) {
		return 0, 0, false
	}
	col = p[0]/p[2]*c.Fx + c.Cx
	row = p[1]/p[2]*c.Fy + c.Cy
	return row, col, true
}

// NumPixels returns Height*Width.
func (c Camera) NumPixels() int { return c.Height * c.Width }
