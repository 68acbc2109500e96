// Package l3render owns Layer 3 (Rendering) of the depth data model.
//
// Responsibilities: pinhole camera intrinsics, the H×W×4 coordinate image
// (camera-frame XYZ plus a validity channel per pixel), analytic ray casting
// against posed box planes and spheres, point-cloud splatting and batched
// rendering of many candidate poses in parallel.
// Key types: Camera, CoordinateImage, Renderer.
//
// Dependency rule: L3 may depend on L1 and L2.
// Rendering is deterministic; no randomness or scoring lives here.
package l3render
