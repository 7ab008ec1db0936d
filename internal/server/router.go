package server

import (
	"errors"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/jaredmales/milkzmq/internal/wire"
)

// The ROUTER socket is not safe for concurrent use, so it has a single
// owner: routerLoop. The loop alternates between draining queued sends from
// the serve loops and a short timed receive for subscriber requests. Serve
// loops hand a frame over through sendCh and wait for the outcome, which
// keeps the at-most-one-credit bookkeeping synchronous and the message
// buffer owned by exactly one goroutine at a time.

// recvInterval bounds how long a pending send can sit behind a blocked
// receive.
const recvInterval = 10 * time.Millisecond

// ErrShutdown is returned for sends attempted after the router has stopped.
var ErrShutdown = errors.New("server: shutting down")

type sendReq struct {
	rid     RoutingID
	payload []byte
	resp    chan error
}

func isEAGAIN(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

// send hands one frame (or a zero-byte hangup) to the router loop and waits
// for the send outcome. The zmq send itself is non-blocking; an unreachable
// or congested peer yields an error, never a stall.
func (s *Server) send(rid RoutingID, payload []byte) error {
	req := sendReq{rid: rid, payload: payload, resp: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-s.routerCtx.Done():
		return ErrShutdown
	}
	select {
	case err := <-req.resp:
		return err
	case <-s.routerCtx.Done():
		return ErrShutdown
	}
}

// routerLoop owns the shared ROUTER socket: it performs every send queued
// by the serve loops and receives subscriber requests, feeding the
// registry. Exits on shutdown, after the serve loops have finished their
// hangup sends.
func (s *Server) routerLoop() {
	defer s.wgRouter.Done()
	for {
		// Drain pending sends first so frames never queue behind a receive.
		for {
			select {
			case req := <-s.sendCh:
				req.resp <- s.doSend(req)
				continue
			default:
			}
			break
		}

		select {
		case <-s.routerCtx.Done():
			return
		case req := <-s.sendCh:
			req.resp <- s.doSend(req)
			continue
		default:
		}

		parts, err := s.soc.RecvMessageBytes(0) // rcvtimeo = recvInterval
		if err != nil {
			if isEAGAIN(err) {
				continue
			}
			if s.routerCtx.Err() != nil {
				return
			}
			s.log.Error("request receive failed", "error", err)
			continue
		}
		if len(parts) < 2 {
			continue
		}
		rid := RoutingID(parts[0])
		name := wire.RequestName(parts[1])
		if name == "" {
			continue
		}
		if s.reg.SetReady(rid, name) {
			s.log.Info("subscriber connected", "stream", name, "peer", peerLabel(rid))
		}
	}
}

func (s *Server) doSend(req sendReq) error {
	if len(req.payload) == 0 {
		_, err := s.soc.SendMessageDontwait([]byte(req.rid), []byte{})
		return err
	}
	_, err := s.soc.SendMessageDontwait([]byte(req.rid), req.payload)
	return err
}
