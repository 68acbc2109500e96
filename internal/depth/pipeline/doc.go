// Package pipeline wires the inference layers into runnable experiments.
//
// TrackingExperiment renders a synthetic cube sliding along x, runs the
// resample-move filter over the frames and reports the tracking error.
// RecognitionExperiment renders one shape from a small library and ranks
// the library against it. Both publish to optional sinks (run store,
// visualiser) and are configured from config.InferenceConfig.
package pipeline
