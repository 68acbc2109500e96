// Package l2scene owns Layer 2 (Scene) of the depth data model.
//
// Responsibilities: pose-independent primitive shapes (boxes described by
// six bounded contact planes, spheres described by a radius), the
// contact-based scene graph that places boxes relative to each other, and
// adapters that turn asset point clouds into bounding primitives.
// Key types: Box, Sphere, Graph.
//
// Dependency rule: L2 may depend on L1 only.
package l2scene
