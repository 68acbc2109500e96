package visualiser

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/depthpose/internal/depth/pipeline"
)

// StreamRequest is the decoded form of a StreamSteps request Struct.
type StreamRequest struct {
	RunID            string
	IncludeParticles bool
}

// ParseStreamRequest reads the known request fields, ignoring the rest.
func ParseStreamRequest(s *structpb.Struct) StreamRequest {
	var req StreamRequest
	if s == nil {
		return req
	}
	f := s.GetFields()
	if v, ok := f["run_id"]; ok {
		req.RunID = v.GetStringValue()
	}
	if v, ok := f["include_particles"]; ok {
		req.IncludeParticles = v.GetBoolValue()
	}
	return req
}

// ToStruct encodes the request for Client.StreamSteps.
func (r StreamRequest) ToStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"run_id":            structpb.NewStringValue(r.RunID),
		"include_particles": structpb.NewBoolValue(r.IncludeParticles),
	}}
}

// Matches reports whether a frame of runID should reach this client.
func (r StreamRequest) Matches(runID string) bool {
	return r.RunID == "" || r.RunID == runID
}

// StepToStruct encodes a step record as a frame. Particles are attached
// only when includeParticles is set; a 100-particle cloud dominates the
// frame size otherwise.
func StepToStruct(rec pipeline.StepRecord, includeParticles bool) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"run_id":              rec.RunID,
		"frame":               rec.Frame,
		"truth":               floatList(rec.Truth),
		"mean":                floatList(rec.Stats.Mean),
		"std_dev":             floatList(rec.Stats.StdDev),
		"ess":                 rec.Stats.ESS,
		"log_evidence":        rec.Stats.LogEvidence,
		"best_log_likelihood": rec.Stats.BestLogLikelihood,
		"abs_error":           rec.AbsError,
	}
	if rec.Observed != nil {
		fields["valid_pixels"] = rec.Observed.ValidCount()
	}
	if includeParticles {
		ps := make([]interface{}, len(rec.Particles))
		for i, p := range rec.Particles {
			ps[i] = floatList(p)
		}
		fields["particles"] = ps
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", rec.Frame, err)
	}
	return s, nil
}

func floatList(xs []float64) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
