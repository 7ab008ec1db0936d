package milkzmq

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jaredmales/milkzmq/internal/shmim"
)

const loopbackPort = 17654

// pattern fills p with pixels derived from the frame counter, so every
// received frame can be checked against its source without buffering.
func pattern(p []byte, cnt0 uint64) {
	for i := 0; i < len(p)/2; i++ {
		binary.LittleEndian.PutUint16(p[2*i:], uint16(cnt0*31+uint64(i)))
	}
}

// produceFrames writes deterministic frames into cam until ctx ends.
func produceFrames(ctx context.Context, cam *shmim.Stream) {
	var cnt0 uint64
	for ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
		cam.BeginWrite()
		cnt0++
		pattern(cam.Slice(0), cnt0)
		cam.SetCnt0(cnt0)
		cam.SetCnt1(0)
		cam.SetAtime(cnt0, 12345)
		cam.SetWriteTimeNow()
		cam.EndWrite()
		cam.PostAll()
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestLoopbackDelivery runs a producer, a server and a client in one
// process over the loopback interface and checks the end-to-end contract:
// frames arrive bit-exact with their counter and acquisition time, the
// received counter sequence never goes backwards, the credit model keeps at
// most one frame in flight, and a server shutdown hangs the client up
// cleanly with delivery resuming once a server returns.
func TestLoopbackDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback transport test")
	}
	t.Setenv("MILK_SHM_DIR", t.TempDir())

	g := Geometry{DataType: shmim.UInt16, Width: 16, Height: 12}
	cam, err := shmim.Create("itcam", g, 2)
	if err != nil {
		t.Fatalf("Create camera failed: %v", err)
	}
	defer cam.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go produceFrames(ctx, cam)

	srvCfg := DefaultServerConfig()
	srvCfg.Port = loopbackPort
	srvCfg.FPSTgt = 100
	srvCfg.Methods = DefaultCompression()
	srv, err := NewServer(srvCfg, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	srv.Serve("itcam")

	cl, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: loopbackPort}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	cl.Subscribe(StreamSpec{Remote: "itcam", Local: "itmirror"})
	if err := cl.Start(ctx); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	defer cl.Stop()

	// The mirror appears once the first frame lands.
	var mirror *shmim.Stream
	waitFor(t, 15*time.Second, "mirror stream", func() bool {
		mirror, err = shmim.Open("itmirror")
		return err == nil
	})
	defer mirror.Close()

	// Collect delivered counters through the mirror's semaphore, the way a
	// local consumer would.
	var seq []uint64
	for len(seq) < 10 {
		if err := mirror.Wait(0, 5*time.Second); err != nil {
			t.Fatalf("mirror semaphore wait: %v (have %d frames)", err, len(seq))
		}
		c := mirror.Cnt0()
		if len(seq) == 0 || c != seq[len(seq)-1] {
			seq = append(seq, c)
		}
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] <= seq[i-1] {
			t.Fatalf("delivered counters not increasing: %v", seq)
		}
	}

	// Verify one settled frame bit-exact against its source pattern.
	want := make([]byte, g.FrameBytes())
	waitFor(t, 5*time.Second, "settled frame", func() bool {
		c1 := mirror.Cnt0()
		got := make([]byte, g.FrameBytes())
		copy(got, mirror.Slice(0))
		if mirror.WriteInProgress() || mirror.Cnt0() != c1 {
			return false
		}
		pattern(want, c1)
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("frame %d differs from source at byte %d: %#x != %#x", c1, i, got[i], want[i])
			}
		}
		if sec, nsec := mirror.Atime(); sec != c1 || nsec != 12345 {
			t.Fatalf("frame %d acquisition time = (%d, %d)", c1, sec, nsec)
		}
		return true
	})

	// Stop the server: the client observes the hangup and reconnects.
	preStats := cl.Stats().Streams["itcam"]
	if err := srv.Stop(); err != nil {
		t.Fatalf("server Stop failed: %v", err)
	}

	// With no server, sends have stopped; the credit model allows at most
	// one frame to still be in flight toward the client.
	sent := srv.Stats().Streams["itcam"].FramesSent
	waitFor(t, 5*time.Second, "deliveries to settle", func() bool {
		n := cl.Stats().Streams["itcam"].FramesReceived
		time.Sleep(200 * time.Millisecond)
		return cl.Stats().Streams["itcam"].FramesReceived == n
	})
	received := cl.Stats().Streams["itcam"].FramesReceived
	if sent < received || sent-received > 1 {
		t.Errorf("frames sent = %d, received = %d; want at most one in flight", sent, received)
	}

	waitFor(t, 15*time.Second, "client reconnect", func() bool {
		return cl.Stats().Streams["itcam"].Reconnects > preStats.Reconnects
	})

	// A replacement server on the same port resumes delivery without any
	// client intervention.
	srv2, err := NewServer(srvCfg, nil)
	if err != nil {
		t.Fatalf("NewServer (replacement) failed: %v", err)
	}
	if err := srv2.Start(ctx); err != nil {
		t.Fatalf("replacement server Start failed: %v", err)
	}
	defer srv2.Stop()
	srv2.Serve("itcam")

	waitFor(t, 30*time.Second, "delivery to resume", func() bool {
		return cl.Stats().Streams["itcam"].FramesReceived > received
	})
}
