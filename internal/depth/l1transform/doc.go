// Package l1transform owns Layer 1 (Transforms) of the depth data model.
//
// Responsibilities: rigid 4x4 pose construction and composition, Rodrigues
// axis-angle rotations, quaternion/rotation conversion and applying poses to
// point clouds. Everything here is pure and allocation-light.
// Key types: Vec3, Mat3, Pose.
//
// Dependency rule: L1 depends on nothing else in internal/depth.
// No rendering, scoring or inference code is allowed in this package.
package l1transform
