// Package client implements the subscribing side of the bridge: one receive
// loop per remote stream, each mirroring frames into a local single-frame
// image stream of identical geometry.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPort matches the server's default listen port.
const DefaultPort = 5556

// Config carries the client parameters.
type Config struct {
	// Host is the address of the remote server.
	Host string
	// Port is the server's listen port.
	Port int
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("client: no remote host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("client: bad port %d", c.Port)
	}
	return nil
}

// StreamSpec names a remote stream and the local stream it mirrors into.
type StreamSpec struct {
	Remote string
	Local  string
}

// ParseStreamSpec parses a NAME or NAME/LOCALNAME argument. A bare name
// mirrors under the same name; a trailing slash is accepted and means the
// same. An empty remote part is an error.
func ParseStreamSpec(arg string) (StreamSpec, error) {
	remote, local, found := strings.Cut(arg, "/")
	if remote == "" {
		return StreamSpec{}, fmt.Errorf("client: invalid stream specifier %q (no remote name)", arg)
	}
	if !found || local == "" {
		local = remote
	}
	return StreamSpec{Remote: remote, Local: local}, nil
}

// StreamStats is a snapshot of one receive loop's counters.
type StreamStats struct {
	// FramesReceived counts frames written into the local mirror.
	FramesReceived uint64
	// FramesMissed counts gaps observed in the received frame counter.
	FramesMissed uint64
	// Reconnects counts socket rebuilds (timeouts, hangups, bad frames).
	Reconnects uint64
	// LastCnt0 is the most recent frame counter written locally.
	LastCnt0 uint64
}

// Stats is a snapshot of the whole client, keyed by remote stream name.
type Stats struct {
	Streams map[string]StreamStats
}

type streamState struct {
	spec StreamSpec

	framesReceived atomic.Uint64
	framesMissed   atomic.Uint64
	reconnects     atomic.Uint64
	lastCnt0       atomic.Uint64
}

// Client mirrors remote image streams into local shared memory.
//
// Lifecycle: New → Subscribe (once per stream) → Start → Stop.
type Client struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*streamState
	started bool
}

// New validates cfg and returns an unstarted client.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log, streams: make(map[string]*streamState)}, nil
}

// Subscribe registers a remote stream to mirror. Must be called before
// Start; duplicate remote names are ignored.
func (c *Client) Subscribe(spec StreamSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	if _, ok := c.streams[spec.Remote]; ok {
		return
	}
	c.streams[spec.Remote] = &streamState{spec: spec}
}

// Start launches one receive loop per subscribed stream.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client: already started")
	}
	if len(c.streams) == 0 {
		return fmt.Errorf("client: no streams subscribed")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	for _, st := range c.streams {
		c.wg.Add(1)
		go c.receiveLoop(st)
	}
	return nil
}

// Stop terminates every receive loop and waits for them, bounded.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("client: receive loops did not stop in %s", stopTimeout)
	}
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{Streams: make(map[string]StreamStats, len(c.streams))}
	for name, st := range c.streams {
		out.Streams[name] = StreamStats{
			FramesReceived: st.framesReceived.Load(),
			FramesMissed:   st.framesMissed.Load(),
			Reconnects:     st.reconnects.Load(),
			LastCnt0:       st.lastCnt0.Load(),
		}
	}
	return out
}

const stopTimeout = 5 * time.Second
