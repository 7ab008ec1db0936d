// Package server implements the publishing side of the bridge: a shared
// ROUTER socket owned by a single router loop, a subscriber registry, and
// one serve loop per published image stream.
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/jaredmales/milkzmq/internal/rate"
	"github.com/jaredmales/milkzmq/internal/xcodec"
)

// Default configuration values, matching the CLI defaults.
const (
	DefaultPort      = 5556
	DefaultUSecSleep = 1000
	DefaultFPSTgt    = 10.0
)

// Config carries the server parameters.
type Config struct {
	// Port is the TCP port the ROUTER socket binds on.
	Port int
	// USecSleep is the idle micro-sleep between poll iterations, in
	// microseconds.
	USecSleep int
	// FPSTgt is the target frame rate per subscriber.
	FPSTgt float64
	// FPSGain is the integrator gain of the rate controller. Zero selects
	// the default.
	FPSGain float64
	// Methods is the compression configuration applied to streams whose
	// datatype supports it.
	Methods xcodec.Methods
}

// DefaultConfig returns the defaults used when a flag is not given.
func DefaultConfig() Config {
	return Config{
		Port:      DefaultPort,
		USecSleep: DefaultUSecSleep,
		FPSTgt:    DefaultFPSTgt,
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server: bad port %d", c.Port)
	}
	if c.USecSleep < 0 {
		return fmt.Errorf("server: bad sleep %d", c.USecSleep)
	}
	if c.FPSTgt <= 0 {
		return fmt.Errorf("server: bad fps target %g", c.FPSTgt)
	}
	if c.FPSGain < 0 {
		return fmt.Errorf("server: bad fps gain %g", c.FPSGain)
	}
	return nil
}

// StreamStats is a snapshot of one serve loop's counters.
type StreamStats struct {
	// FramesSent counts frames handed to the transport successfully.
	FramesSent uint64
	// PeersForgotten counts subscribers dropped after a failed send.
	PeersForgotten uint64
	// LastCnt0 is the frame counter of the most recent sent frame.
	LastCnt0 uint64
	// Attaches counts ATTACHING→SERVING transitions (1 initially, +1 per
	// rebuild or restart).
	Attaches uint64
}

// Stats is a snapshot of the whole server.
type Stats struct {
	Peers   int
	Streams map[string]StreamStats
}

type streamState struct {
	framesSent     atomic.Uint64
	peersForgotten atomic.Uint64
	lastCnt0       atomic.Uint64
	attaches       atomic.Uint64
}

// Server publishes local image streams to remote subscribers.
//
// Lifecycle: New → Start → Serve (once per stream, any time) → Stop.
// All methods are safe for concurrent use.
type Server struct {
	cfg Config
	log *slog.Logger

	soc    *zmq.Socket
	sendCh chan sendReq
	reg    *Registry

	ctx        context.Context // serve loops
	cancel     context.CancelFunc
	routerCtx  context.Context // router outlives serve loops for hangups
	routerStop context.CancelFunc

	wgServe  sync.WaitGroup
	wgRouter sync.WaitGroup

	restartSeq atomic.Uint64

	mu      sync.Mutex
	streams map[string]*streamState
	started bool
	stopped bool
}

// New validates cfg and returns an unstarted server.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.FPSGain == 0 {
		cfg.FPSGain = rate.DefaultGain
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		sendCh:  make(chan sendReq),
		reg:     NewRegistry(),
		streams: make(map[string]*streamState),
	}, nil
}

// Start binds the ROUTER socket and starts the router loop. Serve loops are
// added with Serve. Failure to bind is fatal: the error is returned and the
// server is unusable.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server: already started")
	}

	soc, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	if err := soc.SetRcvtimeo(recvInterval); err != nil {
		soc.Close()
		return fmt.Errorf("server: socket option: %w", err)
	}
	// Without mandatory routing a send to a vanished peer is silently
	// dropped and we would never forget the identity.
	if err := soc.SetRouterMandatory(1); err != nil {
		soc.Close()
		return fmt.Errorf("server: socket option: %w", err)
	}
	if err := soc.SetLinger(0); err != nil {
		soc.Close()
		return fmt.Errorf("server: socket option: %w", err)
	}
	endpoint := fmt.Sprintf("tcp://*:%d", s.cfg.Port)
	if err := soc.Bind(endpoint); err != nil {
		soc.Close()
		return fmt.Errorf("server: bind %s: %w", endpoint, err)
	}
	s.soc = soc

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.routerCtx, s.routerStop = context.WithCancel(context.Background())
	s.started = true

	s.wgRouter.Add(1)
	go s.routerLoop()

	s.log.Info("serving image streams", "endpoint", endpoint,
		"fps_target", s.cfg.FPSTgt, "compression", !s.cfg.Methods.None())
	return nil
}

// Serve starts a serve loop for the named local stream. Idempotent: a
// stream already being served is left alone.
func (s *Server) Serve(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return
	}
	if _, ok := s.streams[name]; ok {
		return
	}
	st := &streamState{}
	s.streams[name] = st
	s.wgServe.Add(1)
	go s.serveLoop(name, st)
}

// Stop shuts the server down: serve loops exit at their next poll point and
// send a zero-byte hangup to every still-ready subscriber, then the router
// loop and socket are torn down. Joins are bounded by stopTimeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	waitTimeout(&s.wgServe, stopTimeout)
	s.routerStop()
	waitTimeout(&s.wgRouter, stopTimeout)
	return s.soc.Close()
}

// RequestRestart makes every serve loop release its stream handle and
// re-attach. Raised by the SIGSEGV/SIGBUS handlers when the producer of a
// mapped stream has crashed.
func (s *Server) RequestRestart() {
	s.restartSeq.Add(1)
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{Peers: s.reg.NumPeers(), Streams: make(map[string]StreamStats, len(s.streams))}
	for name, st := range s.streams {
		out.Streams[name] = StreamStats{
			FramesSent:     st.framesSent.Load(),
			PeersForgotten: st.peersForgotten.Load(),
			LastCnt0:       st.lastCnt0.Load(),
			Attaches:       st.attaches.Load(),
		}
	}
	return out
}

const stopTimeout = 5 * time.Second

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func peerLabel(rid RoutingID) string {
	return hex.EncodeToString([]byte(rid))
}
