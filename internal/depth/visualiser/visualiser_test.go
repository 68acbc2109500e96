package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/depthpose/internal/depth/l3render"
	"github.com/banshee-data/depthpose/internal/depth/l5filter"
	"github.com/banshee-data/depthpose/internal/depth/pipeline"
)

func startBufconn(t *testing.T, cfg Config) (*Publisher, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg)
	require.NoError(t, pub.StartOn(lis))
	t.Cleanup(pub.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pub, NewClient(conn)
}

func sampleRecord(runID string, frame int) pipeline.StepRecord {
	obs := l3render.NewCoordinateImage(2, 2)
	obs.Set(0, 0, [3]float64{0, 0, 2})
	return pipeline.StepRecord{
		RunID: runID,
		Frame: frame,
		Truth: []float64{0.25},
		Stats: l5filter.StepStats{
			Step:              frame,
			Mean:              []float64{0.2},
			StdDev:            []float64{0.05},
			ESS:               42,
			LogEvidence:       -1.5,
			BestLogLikelihood: -10,
		},
		AbsError:  0.05,
		Particles: [][]float64{{0.1}, {0.3}},
		Observed:  obs,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr == "" {
		t.Error("expected a default listen address")
	}
	if cfg.MaxClients != 5 {
		t.Errorf("expected MaxClients=5, got %d", cfg.MaxClients)
	}
	p := NewPublisher(Config{})
	if p.config.ClientBuffer != cfg.ClientBuffer {
		t.Errorf("expected zero ClientBuffer to default to %d, got %d", cfg.ClientBuffer, p.config.ClientBuffer)
	}
}

func TestParseStreamRequest(t *testing.T) {
	assert.Equal(t, StreamRequest{}, ParseStreamRequest(nil))

	req := StreamRequest{RunID: "abc", IncludeParticles: true}
	assert.Equal(t, req, ParseStreamRequest(req.ToStruct()))

	assert.True(t, StreamRequest{}.Matches("anything"))
	assert.True(t, req.Matches("abc"))
	assert.False(t, req.Matches("other"))
}

func TestStepToStruct(t *testing.T) {
	rec := sampleRecord("run-1", 3)

	s, err := StepToStruct(rec, false)
	require.NoError(t, err)
	f := s.GetFields()
	assert.Equal(t, "run-1", f["run_id"].GetStringValue())
	assert.Equal(t, 3.0, f["frame"].GetNumberValue())
	assert.Equal(t, 42.0, f["ess"].GetNumberValue())
	assert.Equal(t, 1.0, f["valid_pixels"].GetNumberValue())
	assert.InDelta(t, 0.2, f["mean"].GetListValue().GetValues()[0].GetNumberValue(), 1e-12)
	_, hasParticles := f["particles"]
	assert.False(t, hasParticles)

	s, err = StepToStruct(rec, true)
	require.NoError(t, err)
	ps := s.GetFields()["particles"].GetListValue().GetValues()
	require.Len(t, ps, 2)
	assert.Equal(t, 0.3, ps[1].GetListValue().GetValues()[0].GetNumberValue())
}

func TestPublisher_RecordStepBeforeStart(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	require.NoError(t, p.RecordStep(context.Background(), sampleRecord("r", 0)))
	if got := p.Stats().FrameCount; got != 0 {
		t.Errorf("expected frames ignored before start, got %d", got)
	}
}

func TestPublisher_StartTwice(t *testing.T) {
	pub, _ := startBufconn(t, DefaultConfig())
	if err := pub.StartOn(bufconn.Listen(1024)); err == nil {
		t.Error("expected error starting a running publisher")
	}
	assert.True(t, pub.Stats().Running)
	pub.Stop()
	assert.False(t, pub.Stats().Running)
	pub.Stop()
}

func TestGetStatus(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())
	require.NoError(t, pub.RecordStep(context.Background(), sampleRecord("r", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := client.GetStatus(ctx)
	require.NoError(t, err)
	f := st.GetFields()
	assert.True(t, f["running"].GetBoolValue())
	assert.Equal(t, 1.0, f["frames"].GetNumberValue())
	assert.Equal(t, 0.0, f["clients"].GetNumberValue())
	assert.NotEmpty(t, f["version"].GetStringValue())
}

func TestStreamSteps(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamSteps(ctx, StreamRequest{IncludeParticles: true}.ToStruct())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pub.RecordStep(ctx, sampleRecord("run-7", 5)))
	frame, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "run-7", frame.GetFields()["run_id"].GetStringValue())
	assert.Equal(t, 5.0, frame.GetFields()["frame"].GetNumberValue())
	assert.Len(t, frame.GetFields()["particles"].GetListValue().GetValues(), 2)

	cancel()
	require.Eventually(t, func() bool { return pub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamSteps_FiltersByRun(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamSteps(ctx, StreamRequest{RunID: "wanted"}.ToStruct())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pub.RecordStep(ctx, sampleRecord("other", 0)))
	require.NoError(t, pub.RecordStep(ctx, sampleRecord("wanted", 1)))

	frame, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "wanted", frame.GetFields()["run_id"].GetStringValue())
	_, hasParticles := frame.GetFields()["particles"]
	assert.False(t, hasParticles)
}

func TestStreamSteps_TooManyClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	pub, client := startBufconn(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.StreamSteps(ctx, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := client.StreamSteps(ctx, nil)
	require.NoError(t, err)
	_, err = second.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStop_EndsStreams(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamSteps(ctx, &structpb.Struct{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		pub.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with an open stream")
	}
	_, err = stream.Recv()
	assert.Error(t, err)
}
