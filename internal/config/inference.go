package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical inference defaults file.
const DefaultConfigPath = "config/inference.defaults.json"

// InferenceConfig is the root configuration for the renderer, likelihood
// model, particle filter and the tracking/recognition experiments.
// Every field is optional; the Get* accessors supply defaults.
type InferenceConfig struct {
	// Camera intrinsics
	CameraHeight *int     `json:"camera_height,omitempty"`
	CameraWidth  *int     `json:"camera_width,omitempty"`
	CameraFx     *float64 `json:"camera_fx,omitempty"`
	CameraFy     *float64 `json:"camera_fy,omitempty"`
	CameraCx     *float64 `json:"camera_cx,omitempty"`
	CameraCy     *float64 `json:"camera_cy,omitempty"`

	// Likelihood params
	PointNoise    *float64 `json:"point_noise,omitempty"`
	OutlierProb   *float64 `json:"outlier_prob,omitempty"`
	OutlierVolume *float64 `json:"outlier_volume,omitempty"`

	// Particle filter params
	NumParticles *int     `json:"num_particles,omitempty"`
	DriftScale   *float64 `json:"drift_scale,omitempty"`
	GridMin      *float64 `json:"grid_min,omitempty"`
	GridMax      *float64 `json:"grid_max,omitempty"`
	GridStep     *float64 `json:"grid_step,omitempty"`
	Seed         *uint64  `json:"seed,omitempty"`
	Workers      *int     `json:"workers,omitempty"` // 0 means GOMAXPROCS

	// Tracking experiment
	CubeSide   *float64 `json:"cube_side,omitempty"`
	CubeDepth  *float64 `json:"cube_depth,omitempty"`
	TrackStart *float64 `json:"track_start,omitempty"`
	TrackEnd   *float64 `json:"track_end,omitempty"`
	NumFrames  *int     `json:"num_frames,omitempty"`
	InitialX   *float64 `json:"initial_x,omitempty"`

	// Recognition experiment
	RecognitionDirections *int `json:"recognition_directions,omitempty"`
	RecognitionAngles     *int `json:"recognition_angles,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyInferenceConfig returns an InferenceConfig with all fields nil.
func EmptyInferenceConfig() *InferenceConfig {
	return &InferenceConfig{}
}

// DefaultInferenceConfig returns a config with every field set to its
// default value.
func DefaultInferenceConfig() *InferenceConfig {
	c := EmptyInferenceConfig()
	return &InferenceConfig{
		CameraHeight:          ptrInt(c.GetCameraHeight()),
		CameraWidth:           ptrInt(c.GetCameraWidth()),
		CameraFx:              ptrFloat64(c.GetCameraFx()),
		CameraFy:              ptrFloat64(c.GetCameraFy()),
		CameraCx:              ptrFloat64(c.GetCameraCx()),
		CameraCy:              ptrFloat64(c.GetCameraCy()),
		PointNoise:            ptrFloat64(c.GetPointNoise()),
		OutlierProb:           ptrFloat64(c.GetOutlierProb()),
		OutlierVolume:         ptrFloat64(c.GetOutlierVolume()),
		NumParticles:          ptrInt(c.GetNumParticles()),
		DriftScale:            ptrFloat64(c.GetDriftScale()),
		GridMin:               ptrFloat64(c.GetGridMin()),
		GridMax:               ptrFloat64(c.GetGridMax()),
		GridStep:              ptrFloat64(c.GetGridStep()),
		Seed:                  ptrUint64(c.GetSeed()),
		Workers:               ptrInt(c.GetWorkers()),
		CubeSide:              ptrFloat64(c.GetCubeSide()),
		CubeDepth:             ptrFloat64(c.GetCubeDepth()),
		TrackStart:            ptrFloat64(c.GetTrackStart()),
		TrackEnd:              ptrFloat64(c.GetTrackEnd()),
		NumFrames:             ptrInt(c.GetNumFrames()),
		InitialX:              ptrFloat64(c.GetInitialX()),
		RecognitionDirections: ptrInt(c.GetRecognitionDirections()),
		RecognitionAngles:     ptrInt(c.GetRecognitionAngles()),
	}
}

// LoadInferenceConfig loads an InferenceConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file fall back to defaults through the Get* accessors.
func LoadInferenceConfig(path string) (*InferenceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyInferenceConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *InferenceConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/depth/pipeline/
		"../../../../" + DefaultConfigPath,    // from internal/depth/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadInferenceConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *InferenceConfig) Validate() error {
	// Checked in field order so the first invalid field is always the one
	// reported.
	ints := []struct {
		name string
		v    *int
	}{
		{"camera_height", c.CameraHeight},
		{"camera_width", c.CameraWidth},
		{"num_particles", c.NumParticles},
		{"num_frames", c.NumFrames},
		{"recognition_directions", c.RecognitionDirections},
		{"recognition_angles", c.RecognitionAngles},
	}
	for _, f := range ints {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, *f.v)
		}
	}
	positives := []struct {
		name string
		v    *float64
	}{
		{"camera_fx", c.CameraFx},
		{"camera_fy", c.CameraFy},
		{"point_noise", c.PointNoise},
		{"outlier_volume", c.OutlierVolume},
		{"drift_scale", c.DriftScale},
		{"grid_step", c.GridStep},
		{"cube_side", c.CubeSide},
		{"cube_depth", c.CubeDepth},
	}
	for _, f := range positives {
		if f.v != nil && !(*f.v > 0) {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}
	if c.OutlierProb != nil {
		if *c.OutlierProb < 0 || *c.OutlierProb > 1 {
			return fmt.Errorf("outlier_prob must be between 0 and 1, got %f", *c.OutlierProb)
		}
	}
	if c.GetGridMax() < c.GetGridMin() {
		return fmt.Errorf("grid_max (%f) must not be below grid_min (%f)", c.GetGridMax(), c.GetGridMin())
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	return nil
}

// GetCameraHeight returns the camera_height value or the default.
func (c *InferenceConfig) GetCameraHeight() int {
	if c.CameraHeight == nil {
		return 120
	}
	return *c.CameraHeight
}

// GetCameraWidth returns the camera_width value or the default.
func (c *InferenceConfig) GetCameraWidth() int {
	if c.CameraWidth == nil {
		return 160
	}
	return *c.CameraWidth
}

// GetCameraFx returns the camera_fx value or the default.
func (c *InferenceConfig) GetCameraFx() float64 {
	if c.CameraFx == nil {
		return 200.0
	}
	return *c.CameraFx
}

// GetCameraFy returns the camera_fy value or the default.
func (c *InferenceConfig) GetCameraFy() float64 {
	if c.CameraFy == nil {
		return 200.0
	}
	return *c.CameraFy
}

// GetCameraCx returns the camera_cx value or the default.
func (c *InferenceConfig) GetCameraCx() float64 {
	if c.CameraCx == nil {
		return 80.0
	}
	return *c.CameraCx
}

// GetCameraCy returns the camera_cy value or the default.
func (c *InferenceConfig) GetCameraCy() float64 {
	if c.CameraCy == nil {
		return 60.0
	}
	return *c.CameraCy
}

// GetPointNoise returns the point_noise value or the default.
func (c *InferenceConfig) GetPointNoise() float64 {
	if c.PointNoise == nil {
		return 0.2
	}
	return *c.PointNoise
}

// GetOutlierProb returns the outlier_prob value or the default.
func (c *InferenceConfig) GetOutlierProb() float64 {
	if c.OutlierProb == nil {
		return 0.01
	}
	return *c.OutlierProb
}

// GetOutlierVolume returns the outlier_volume value or the default.
func (c *InferenceConfig) GetOutlierVolume() float64 {
	if c.OutlierVolume == nil {
		return 1.0
	}
	return *c.OutlierVolume
}

// GetNumParticles returns the num_particles value or the default.
func (c *InferenceConfig) GetNumParticles() int {
	if c.NumParticles == nil {
		return 100
	}
	return *c.NumParticles
}

// GetDriftScale returns the drift_scale value or the default.
func (c *InferenceConfig) GetDriftScale() float64 {
	if c.DriftScale == nil {
		return 0.1
	}
	return *c.DriftScale
}

// GetGridMin returns the grid_min value or the default.
func (c *InferenceConfig) GetGridMin() float64 {
	if c.GridMin == nil {
		return -1.0
	}
	return *c.GridMin
}

// GetGridMax returns the grid_max value or the default.
func (c *InferenceConfig) GetGridMax() float64 {
	if c.GridMax == nil {
		return 1.0
	}
	return *c.GridMax
}

// GetGridStep returns the grid_step value or the default.
func (c *InferenceConfig) GetGridStep() float64 {
	if c.GridStep == nil {
		return 0.25
	}
	return *c.GridStep
}

// GetSeed returns the seed value or the default.
func (c *InferenceConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 3
	}
	return *c.Seed
}

// GetWorkers returns the workers value or the default (0 = GOMAXPROCS).
func (c *InferenceConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetCubeSide returns the cube_side value or the default.
func (c *InferenceConfig) GetCubeSide() float64 {
	if c.CubeSide == nil {
		return 1.0
	}
	return *c.CubeSide
}

// GetCubeDepth returns the cube_depth value or the default.
func (c *InferenceConfig) GetCubeDepth() float64 {
	if c.CubeDepth == nil {
		return 2.0
	}
	return *c.CubeDepth
}

// GetTrackStart returns the track_start value or the default.
func (c *InferenceConfig) GetTrackStart() float64 {
	if c.TrackStart == nil {
		return -1.0
	}
	return *c.TrackStart
}

// GetTrackEnd returns the track_end value or the default.
func (c *InferenceConfig) GetTrackEnd() float64 {
	if c.TrackEnd == nil {
		return 1.0
	}
	return *c.TrackEnd
}

// GetNumFrames returns the num_frames value or the default.
func (c *InferenceConfig) GetNumFrames() int {
	if c.NumFrames == nil {
		return 40
	}
	return *c.NumFrames
}

// GetInitialX returns the initial_x value or the default.
func (c *InferenceConfig) GetInitialX() float64 {
	if c.InitialX == nil {
		return -1.0
	}
	return *c.InitialX
}

// GetRecognitionDirections returns the recognition_directions value or the default.
func (c *InferenceConfig) GetRecognitionDirections() int {
	if c.RecognitionDirections == nil {
		return 20
	}
	return *c.RecognitionDirections
}

// GetRecognitionAngles returns the recognition_angles value or the default.
func (c *InferenceConfig) GetRecognitionAngles() int {
	if c.RecognitionAngles == nil {
		return 8
	}
	return *c.RecognitionAngles
}
