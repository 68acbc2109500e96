// Package l5filter owns Layer 5 (Inference) of the depth data model.
//
// Responsibilities: the resample-move particle filter that conditions a
// particle set on a sequence of observed coordinate images. Each step
// drifts every particle, searches a fixed offset grid around the drifted
// point, corrects the importance weight for the two-stage proposal with a
// reverse grid kernel, resamples unconditionally and resets the weights to
// their uniform share of the total mass.
// Key types: Config, Filter, StepStats, RunResult.
//
// Dependency rule: L5 may depend on L1-L4. Scoring is reached only through
// the Scorer interface, so tests can substitute analytic scorers.
package l5filter
