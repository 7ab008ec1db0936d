package server

import (
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jaredmales/milkzmq/internal/rate"
	"github.com/jaredmales/milkzmq/internal/shmim"
	"github.com/jaredmales/milkzmq/internal/wire"
	"github.com/jaredmales/milkzmq/internal/xcodec"
)

// serveLoop publishes one local image stream for the life of the server.
//
// Each serveCycle call is one pass of the state machine:
//
//	ATTACHING → SERVING → REBUILD | RESTART → (next cycle re-attaches)
//
// Geometry changes, producer teardown, inode changes and the restart flag
// all end a cycle; Attach at the top of the next cycle reopens the stream,
// which for a still-present file succeeds immediately. Shutdown is terminal
// from any state, followed by a best-effort zero-byte hangup to every
// subscriber still holding credit for this stream.
func (s *Server) serveLoop(name string, st *streamState) {
	defer s.wgServe.Done()
	log := s.log.With("stream", name)

	codec := xcodec.New()
	if err := codec.Configure(s.cfg.Methods); err != nil {
		log.Error("bad compression configuration", "error", err)
		return
	}

	for s.ctx.Err() == nil {
		s.serveCycle(name, st, codec, log)
	}
	s.hangup(name, log)
}

// serveCycle runs one attach-serve pass. A fault on the shared mapping
// (producer died mid-access) is recovered here and treated like any other
// producer-gone exit: the cycle ends and the caller re-attaches.
func (s *Server) serveCycle(name string, st *streamState, codec *xcodec.Codec, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("fault while serving, re-attaching", "fault", r)
			time.Sleep(time.Second)
		}
	}()
	debug.SetPanicOnFault(true)

	im, err := shmim.Attach(s.ctx, name, log)
	if err != nil {
		return // shutdown during attach
	}
	defer im.Close()

	geom := im.Geometry()
	eff := codec.SetGeometry(geom.DataType, geom.Width, geom.Height)
	rawSize := codec.MinRawSize()
	buf := make([]byte, wire.HeaderSize+rawSize)

	st.attaches.Add(1)
	log.Info("connected to image stream",
		"datatype", geom.DataType.String(),
		"width", geom.Width, "height", geom.Height, "depth", geom.Depth,
		"compression", !eff.None())

	gen := s.restartSeq.Load()
	lim := rate.New(s.cfg.FPSTgt, s.cfg.FPSGain)
	idle := time.Duration(s.cfg.USecSleep) * time.Microsecond
	lastCnt0 := ^uint64(0) // treat the first frame as new

	for s.ctx.Err() == nil {
		if s.restartSeq.Load() != gen {
			log.Warn("restart requested, re-attaching")
			return
		}

		cnt0 := im.Cnt0()
		if cnt0 == lastCnt0 {
			// No new frame. Check that the producer is still alive, then
			// nap for the configured poll interval.
			if im.NumSem() <= 0 {
				log.Warn("producer tore the stream down, re-attaching")
				return
			}
			if im.InodeChanged() {
				log.Warn("stream file replaced, re-attaching")
				return
			}
			lim.Idle()
			time.Sleep(idle)
			continue
		}

		if !lim.Ready() {
			time.Sleep(idle)
			continue
		}

		rids := s.reg.DrainReady(name)
		if len(rids) == 0 {
			// Nobody holds credit; leave the frame unconsumed so a late
			// request still gets it.
			continue
		}

		g := im.ReadGeometry()
		if g != geom {
			log.Info("geometry changed, rebuilding",
				"datatype", g.DataType.String(), "width", g.Width, "height", g.Height)
			return
		}

		// Re-read the counter after the checks so the header matches the
		// slice we copy.
		cnt0 = im.Cnt0()
		copy(buf[wire.HeaderSize:], im.Slice(im.CurrentIndex()))

		n, m, err := codec.Encode(buf[wire.HeaderSize:wire.HeaderSize+rawSize], buf[wire.HeaderSize:])
		if err != nil {
			log.Error("encode failed, re-attaching", "error", err)
			return
		}
		asec, ansec := im.Atime()
		hdr := wire.Header{
			Name:       name,
			DataType:   geom.DataType,
			Width:      geom.Width,
			Height:     geom.Height,
			Cnt0:       cnt0,
			TvSec:      asec,
			TvNsec:     ansec,
			Difference: m.Difference,
			Reorder:    m.Reorder,
			Compress:   m.Compress,
			CompSize:   uint32(n),
		}
		if err := wire.EncodeHeader(buf, &hdr); err != nil {
			log.Error("header encode failed", "error", err)
			return
		}

		for _, rid := range rids {
			if err := s.send(rid, buf[:wire.HeaderSize+n]); err != nil {
				// The peer is presumed gone; erase it everywhere.
				log.Info("subscriber lost", "peer", peerLabel(rid), "error", err)
				s.reg.Forget(rid)
				st.peersForgotten.Add(1)
				continue
			}
			s.reg.ClearReady(rid, name)
			st.framesSent.Add(1)
		}
		st.lastCnt0.Store(cnt0)

		lim.Sent()
		lastCnt0 = cnt0
	}
}

// hangup sends a zero-byte message to every subscriber still holding credit
// for this stream so clients observe an orderly disconnect.
func (s *Server) hangup(name string, log *slog.Logger) {
	for _, rid := range s.reg.DrainReady(name) {
		if err := s.send(rid, nil); err != nil {
			continue
		}
		s.reg.ClearReady(rid, name)
	}
	log.Info("stream serve loop stopped")
}
