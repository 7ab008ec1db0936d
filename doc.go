// Package milkzmq bridges POSIX shared-memory image streams between
// machines over ZeroMQ.
//
// # Overview
//
// A server process attaches to local image streams and publishes their
// frames over TCP; client processes subscribe and mirror the frames into
// local image streams of identical geometry, so downstream consumers read
// remote data through the same shared-memory interface they use for local
// data. The key design principle is:
//
//	"Latest frame wins. A slow subscriber is rate-limited, never queued behind."
//
// Each subscriber holds at most one frame credit: the server sends a frame
// only in response to a request, and the subscriber requests the next frame
// only after the previous one is fully published locally. Frames produced
// in between are skipped, not buffered.
//
// # Basic Usage
//
// Publish streams:
//
//	srv, _ := milkzmq.NewServer(milkzmq.DefaultServerConfig(), slog.Default())
//	srv.Start(ctx)
//	srv.Serve("scicam")
//	defer srv.Stop()
//
// Subscribe on the remote side:
//
//	cl, _ := milkzmq.NewClient(milkzmq.ClientConfig{Host: "ao-rtc", Port: milkzmq.DefaultPort}, slog.Default())
//	cl.Subscribe(milkzmq.StreamSpec{Remote: "scicam", Local: "scicam"})
//	cl.Start(ctx)
//	defer cl.Stop()
//
// # Rate Shaping
//
// The served frame rate converges on the configured target through an
// integrating controller: the interval between sends is measured and the
// allowed gap adjusted until the long-run average matches the target even
// when individual sends jitter.
//
// # Compression
//
// 16-bit streams can optionally be pixel-differenced, byte-plane reordered
// and LZ4 compressed before transmission. The applied methods travel in
// each frame's header, so receivers decode whatever the sender chose.
// Other pixel types pass through uncompressed.
//
// # Fault Tolerance
//
// Both ends recover without operator intervention: the server re-attaches
// when a producer recreates or tears down its stream, drops subscribers
// whose connections vanish, and survives faults on memory that disappears
// underneath it; the client rebuilds its connection after hangups, silent
// servers and malformed frames, and recreates its local stream when the
// remote geometry changes.
//
// # Thread Safety
//
// Server and Client methods are safe for concurrent use. Stats() can be
// called from any goroutine.
package milkzmq
