package visualiser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/depthpose/internal/depth/pipeline"
)

// ErrTooManyClients is returned to a StreamSteps caller when MaxClients
// streams are already open.
var ErrTooManyClients = errors.New("too many streaming clients")

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address Start listens on.
	ListenAddr string

	// MaxClients caps concurrent StreamSteps calls.
	MaxClients int

	// ClientBuffer is the per-client frame queue length. Frames beyond it
	// are dropped for that client.
	ClientBuffer int

	// StatsInterval is how often counters are written to the diag log.
	StatsInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "localhost:50061",
		MaxClients:    5,
		ClientBuffer:  16,
		StatsInterval: 5 * time.Second,
	}
}

const frameQueue = 100

// Publisher manages the gRPC server and fans step records out to clients.
// It implements pipeline.StepSink.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan pipeline.StepRecord
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	started atomic.Bool
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	request StreamRequest
	frameCh chan pipeline.StepRecord
}

var _ pipeline.StepSink = (*Publisher)(nil)

// NewPublisher creates a Publisher. Zero config fields take their
// DefaultConfig values.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan pipeline.StepRecord, frameQueue),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on config.ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := p.StartOn(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// StartOn serves on an existing listener. A Publisher can be started once.
func (p *Publisher) StartOn(lis net.Listener) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already started")
	}
	p.listener = lis

	const maxMsgSize = 16 * 1024 * 1024
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterVisualiserServer(p.server, NewServer(p))
	p.running.Store(true)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		diagf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every stream and shuts the server down.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	diagf("gRPC server stopped: frames=%d dropped=%d", p.frameCount.Load(), p.droppedFrames.Load())
}

// RecordStep queues rec for broadcast. It never blocks; when the queue is
// full the frame is counted as dropped. Records are ignored while the
// publisher is not running.
func (p *Publisher) RecordStep(_ context.Context, rec pipeline.StepRecord) error {
	if !p.running.Load() {
		return nil
	}
	p.frameCount.Add(1)
	select {
	case p.frameChan <- rec:
	default:
		p.droppedFrames.Add(1)
	}
	return nil
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			st := p.Stats()
			diagf("Stats: frames=%d dropped=%d clients=%d queue=%d/%d",
				st.FrameCount, st.DroppedFrames, st.ClientCount, len(p.frameChan), frameQueue)
		case rec := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				if !c.request.Matches(rec.RunID) {
					continue
				}
				select {
				case c.frameCh <- rec:
				default:
					p.droppedFrames.Add(1)
					tracef("client %s slow, dropped frame %d", c.id, rec.Frame)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient(req StreamRequest) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyClients, p.config.MaxClients)
	}
	c := &clientStream{
		id:      fmt.Sprintf("client-%d", p.nextID.Add(1)),
		request: req,
		frameCh: make(chan pipeline.StepRecord, p.config.ClientBuffer),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	diagf("Client connected: %s run=%q particles=%v (total: %d)", c.id, req.RunID, req.IncludeParticles, n)
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	delete(p.clients, id)
	n := p.clientCount.Add(-1)
	diagf("Client disconnected: %s (remaining: %d)", id, n)
}

// ClientCount returns the number of open StreamSteps calls.
func (p *Publisher) ClientCount() int {
	return int(p.clientCount.Load())
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64
	DroppedFrames uint64
	ClientCount   int32
	Running       bool
}
