package visualiser

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/depthpose/internal/version"
)

var _ VisualiserServer = (*Server)(nil)

// Server implements the Visualiser service over a Publisher.
type Server struct {
	UnimplementedVisualiserServer

	publisher *Publisher
}

// NewServer creates a new gRPC server.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// GetStatus reports the publisher counters.
func (s *Server) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st := s.publisher.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"running":        st.Running,
		"frames":         st.FrameCount,
		"dropped_frames": st.DroppedFrames,
		"clients":        st.ClientCount,
		"version":        version.Version,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// StreamSteps sends every matching step record until the client goes
// away or the publisher stops.
func (s *Server) StreamSteps(in *structpb.Struct, stream Visualiser_StreamStepsServer) error {
	req := ParseStreamRequest(in)
	c, err := s.publisher.addClient(req)
	if err != nil {
		if errors.Is(err, ErrTooManyClients) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	defer s.publisher.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case rec := <-c.frameCh:
			frame, err := StepToStruct(rec, req.IncludeParticles)
			if err != nil {
				opsf("StreamSteps %s: %v", c.id, err)
				continue
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
		}
	}
}
