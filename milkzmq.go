package milkzmq

import (
	"log/slog"

	"github.com/jaredmales/milkzmq/internal/client"
	"github.com/jaredmales/milkzmq/internal/server"
	"github.com/jaredmales/milkzmq/internal/shmim"
	"github.com/jaredmales/milkzmq/internal/xcodec"
)

// Public API - Re-export internal types as stable contract

// DefaultPort is the TCP port servers bind and clients connect to unless
// configured otherwise.
const DefaultPort = server.DefaultPort

// ServerConfig carries the publishing-side parameters.
type ServerConfig = server.Config

// Server publishes local image streams to remote subscribers.
type Server = server.Server

// ServerStats is a snapshot of server counters.
type ServerStats = server.Stats

// StreamServeStats is a snapshot of one serve loop's counters.
type StreamServeStats = server.StreamStats

// ClientConfig carries the subscribing-side parameters.
type ClientConfig = client.Config

// Client mirrors remote image streams into local shared memory.
type Client = client.Client

// ClientStats is a snapshot of client counters.
type ClientStats = client.Stats

// StreamSpec names a remote stream and the local stream it mirrors into.
type StreamSpec = client.StreamSpec

// Methods selects the compression pipeline applied to outgoing frames.
type Methods = xcodec.Methods

// Geometry is the pixel shape of an image stream.
type Geometry = shmim.Geometry

// DataType identifies the pixel element type of an image stream.
type DataType = shmim.DataType

// Public API errors - Re-export internal errors as stable contract
var (
	ErrBadStream          = shmim.ErrBadStream
	ErrStreamNotReady     = shmim.ErrNotReady
	ErrUnsupportedMethods = xcodec.ErrUnsupportedMethod
	ErrShutdown           = server.ErrShutdown
)

// NewServer validates cfg and returns an unstarted server.
func NewServer(cfg ServerConfig, log *slog.Logger) (*Server, error) {
	return server.New(cfg, log)
}

// NewClient validates cfg and returns an unstarted client.
func NewClient(cfg ClientConfig, log *slog.Logger) (*Client, error) {
	return client.New(cfg, log)
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return server.DefaultConfig()
}

// DefaultCompression returns the compression pipeline applied when a server
// is started with compression enabled.
func DefaultCompression() Methods {
	return xcodec.DefaultCompression()
}

// NoCompression returns the pass-through pipeline.
func NoCompression() Methods {
	return xcodec.NoCompression()
}

// ParseStreamSpec parses a NAME or NAME/LOCALNAME command-line argument.
func ParseStreamSpec(arg string) (StreamSpec, error) {
	return client.ParseStreamSpec(arg)
}
