// Package visualiser streams particle filter progress to remote viewers
// over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose
// messages are well-known protobuf types: requests and frames travel as
// google.protobuf.Struct so no generated code is needed. A Publisher is a
// pipeline.StepSink; every step it records is fanned out to connected
// StreamSteps clients without blocking the filter.
package visualiser
