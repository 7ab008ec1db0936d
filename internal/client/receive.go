package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"

	"github.com/jaredmales/milkzmq/internal/shmim"
	"github.com/jaredmales/milkzmq/internal/wire"
	"github.com/jaredmales/milkzmq/internal/xcodec"
)

const (
	// recvTimeout bounds each receive so the loop stays responsive to
	// shutdown and can refresh its request against a silent server.
	recvTimeout = 1 * time.Second

	// maxSilentRecvs is how many consecutive timeouts are tolerated
	// before the socket is torn down and rebuilt. Request refreshes ride
	// on the same socket until then.
	maxSilentRecvs = 5

	// reconnectDelay spaces out rebuild attempts after a hangup or a bad
	// frame, so a flapping server is not hammered.
	reconnectDelay = 1 * time.Second

	// localNumSem is the semaphore count of the local mirror stream.
	localNumSem = 10
)

func isEAGAIN(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

// conn is one DEALER connection with the stream-name request pre-encoded.
type conn struct {
	soc     *zmq.Socket
	request []byte
}

func (c *Client) dial(remote string) (*conn, error) {
	soc, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("client: new socket: %w", err)
	}
	// A fresh random identity per connection: the server keys its credit
	// table by routing id, so a rebuilt socket must look like a new peer
	// rather than inherit stale state.
	if err := soc.SetIdentity(uuid.NewString()); err != nil {
		soc.Close()
		return nil, fmt.Errorf("client: set identity: %w", err)
	}
	if err := soc.SetLinger(0); err != nil {
		soc.Close()
		return nil, fmt.Errorf("client: set linger: %w", err)
	}
	if err := soc.SetRcvtimeo(recvTimeout); err != nil {
		soc.Close()
		return nil, fmt.Errorf("client: set rcvtimeo: %w", err)
	}
	endpoint := fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)
	if err := soc.Connect(endpoint); err != nil {
		soc.Close()
		return nil, fmt.Errorf("client: connect %s: %w", endpoint, err)
	}
	return &conn{soc: soc, request: []byte(remote)}, nil
}

// requestFrame tells the server this subscriber is ready for the next
// frame. Non-blocking: a full outbound queue just means the previous
// request is still in flight.
func (cn *conn) requestFrame() {
	cn.soc.SendBytes(cn.request, zmq.DONTWAIT)
}

func (cn *conn) close() {
	cn.soc.Close()
}

// receiveLoop mirrors one remote stream until the client context ends.
// Every exit path of an inner session rebuilds the connection from
// scratch; the local stream survives rebuilds so downstream consumers
// keep their mapping.
func (c *Client) receiveLoop(st *streamState) {
	defer c.wg.Done()
	log := c.log.With("remote", st.spec.Remote, "local", st.spec.Local)

	var im *shmim.Stream
	defer func() {
		if im != nil {
			im.Close()
		}
	}()

	dec := xcodec.New()
	first := true
	for c.ctx.Err() == nil {
		if !first {
			st.reconnects.Add(1)
			if !sleepCtx(c.ctx, reconnectDelay) {
				break
			}
		}
		first = false

		cn, err := c.dial(st.spec.Remote)
		if err != nil {
			log.Error("connect failed", "error", err)
			continue
		}
		im = c.receiveSession(cn, st, im, dec, log)
		cn.close()
	}
	log.Info("stream receive loop stopped")
}

// receiveSession runs one connection until it needs a rebuild. It returns
// the current local stream so the next session can reuse it.
func (c *Client) receiveSession(cn *conn, st *streamState, im *shmim.Stream, dec *xcodec.Codec, log *slog.Logger) *shmim.Stream {
	cn.requestFrame()
	silent := 0
	for c.ctx.Err() == nil {
		msg, err := cn.soc.RecvBytes(0)
		if err != nil {
			if !isEAGAIN(err) {
				log.Error("receive failed", "error", err)
				return im
			}
			silent++
			if silent >= maxSilentRecvs {
				log.Warn("no frames from server, reconnecting")
				return im
			}
			// The request may have been lost before the server saw
			// it (e.g. sent while the TCP session was still coming
			// up). Repeating it is harmless: the server treats it
			// as the same single credit.
			cn.requestFrame()
			continue
		}
		silent = 0

		if len(msg) == 0 {
			log.Info("server hung up")
			return im
		}
		if len(msg) <= wire.HeaderSize {
			log.Warn("short frame from server, reconnecting", "len", len(msg))
			return im
		}
		h, err := wire.DecodeHeader(msg)
		if err != nil {
			log.Warn("bad frame from server, reconnecting", "error", err)
			return im
		}

		im, err = c.ensureLocal(st, im, h, dec, log)
		if err != nil {
			log.Error("local stream setup failed", "error", err)
			return im
		}
		if err := c.writeFrame(st, im, h, msg[wire.HeaderSize:], dec, log); err != nil {
			log.Warn("frame decode failed, reconnecting", "error", err)
			return im
		}

		// Ask for the next frame only after this one is fully
		// published locally, so the server never has more than one
		// frame in flight toward us.
		cn.requestFrame()
	}
	return im
}

// ensureLocal returns a local stream matching the received geometry,
// recreating it when the remote geometry changed.
func (c *Client) ensureLocal(st *streamState, im *shmim.Stream, h *wire.Header, dec *xcodec.Codec, log *slog.Logger) (*shmim.Stream, error) {
	want := shmim.Geometry{DataType: h.DataType, Width: h.Width, Height: h.Height}
	if im != nil {
		if im.Geometry() == want {
			return im, nil
		}
		log.Info("remote geometry changed, recreating local stream",
			"width", h.Width, "height", h.Height, "datatype", h.DataType.String())
		im.Destroy()
		im = nil
	}
	im, err := shmim.Create(st.spec.Local, want, localNumSem)
	if err != nil {
		return nil, err
	}
	dec.SetGeometry(want.DataType, want.Width, want.Height)
	log.Info("created local image stream",
		"width", h.Width, "height", h.Height, "datatype", h.DataType.String())
	return im, nil
}

// writeFrame decompresses the payload into the local stream's single slot
// under the write flag, then stamps metadata and wakes local waiters.
func (c *Client) writeFrame(st *streamState, im *shmim.Stream, h *wire.Header, payload []byte, dec *xcodec.Codec, log *slog.Logger) error {
	m := xcodec.Methods{Difference: h.Difference, Reorder: h.Reorder, Compress: h.Compress}
	if int(h.CompSize) > len(payload) {
		return errors.New("client: compressed size exceeds payload")
	}

	last := st.lastCnt0.Load()
	if st.framesReceived.Load() > 0 {
		switch {
		case h.Cnt0 == last:
			// Duplicate of the last processed frame; nothing to publish.
			return nil
		case h.Cnt0 < last:
			// The counter went backwards: the producer restarted and its
			// stream counts from zero again. Accept the frame and track
			// the new sequence.
			log.Info("frame counter restarted", "cnt0", h.Cnt0, "last", last)
		case h.Cnt0 > last+1:
			missed := h.Cnt0 - last - 1
			st.framesMissed.Add(missed)
			log.Warn("missed frames", "missed", missed, "cnt0", h.Cnt0)
		}
	}

	im.BeginWrite()
	err := dec.Decode(m, payload[:h.CompSize], im.Slice(0))
	if err != nil {
		im.EndWrite()
		return err
	}
	im.SetCnt0(h.Cnt0)
	im.SetCnt1(0)
	im.SetAtime(h.TvSec, h.TvNsec)
	im.SetWriteTimeNow()
	im.EndWrite()
	im.PostAll()

	st.framesReceived.Add(1)
	st.lastCnt0.Store(h.Cnt0)
	return nil
}

// sleepCtx sleeps for d unless the context ends first; reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
