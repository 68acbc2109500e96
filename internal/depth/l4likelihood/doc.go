// Package l4likelihood owns Layer 4 (Likelihood) of the depth data model.
//
// Responsibilities: the per-pixel outlier-mixture sensor model that scores a
// rendered coordinate image against an observed one, and the bound pose
// scorer that maps filter states to poses, renders them and scores the
// results in parallel.
// Key types: Model, PoseScorer, ScorerConfig.
//
// Dependency rule: L4 may depend on L1, L2 and L3.
package l4likelihood
