// Package l6recognition owns Layer 6 (Recognition) of the depth data model.
//
// Responsibilities: enumerating candidate rotations, anchoring them at the
// centroid of an observation, and ranking a library of candidate shapes by
// the best likelihood any candidate pose achieves against the observation.
// Key types: Recognizer, Candidate, Match.
//
// Dependency rule: L6 may depend on L1-L4.
package l6recognition
