package client

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/jaredmales/milkzmq/internal/shmim"
	"github.com/jaredmales/milkzmq/internal/wire"
	"github.com/jaredmales/milkzmq/internal/xcodec"
)

func frameFor(t *testing.T, g shmim.Geometry, cnt0 uint64, fill byte) (*wire.Header, []byte) {
	t.Helper()
	payload := bytes.Repeat([]byte{fill}, g.FrameBytes())
	h := &wire.Header{
		Name:     "cam",
		DataType: g.DataType,
		Width:    g.Width,
		Height:   g.Height,
		Cnt0:     cnt0,
		CompSize: uint32(len(payload)),
	}
	return h, payload
}

// TestWriteFrameSequence walks the frame-counter handling of the local
// publish path: new frames and gaps are accepted, an exact duplicate is
// ignored, and a counter that jumps backwards (producer restarted with a
// fresh stream) is accepted so mirroring resumes.
func TestWriteFrameSequence(t *testing.T) {
	t.Setenv("MILK_SHM_DIR", t.TempDir())

	cl, err := New(Config{Host: "localhost"}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := &streamState{spec: StreamSpec{Remote: "cam", Local: "cam"}}

	g := shmim.Geometry{DataType: shmim.UInt16, Width: 8, Height: 8}
	im, err := shmim.Create("cam", g, 2)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer im.Destroy()

	dec := xcodec.New()
	dec.SetGeometry(g.DataType, g.Width, g.Height)
	log := slog.Default()

	// First frame publishes.
	h, payload := frameFor(t, g, 100000, 0x11)
	if err := cl.writeFrame(st, im, h, payload, dec, log); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if im.Cnt0() != 100000 || im.Slice(0)[0] != 0x11 {
		t.Fatalf("first frame not published: cnt0=%d pixel=%#x", im.Cnt0(), im.Slice(0)[0])
	}

	// Exact duplicate is ignored.
	h, payload = frameFor(t, g, 100000, 0x22)
	if err := cl.writeFrame(st, im, h, payload, dec, log); err != nil {
		t.Fatalf("duplicate frame: %v", err)
	}
	if im.Slice(0)[0] != 0x11 {
		t.Error("duplicate frame overwrote the slot")
	}
	if st.framesReceived.Load() != 1 {
		t.Errorf("framesReceived = %d after duplicate, want 1", st.framesReceived.Load())
	}

	// A gap is accepted and counted as missed.
	h, payload = frameFor(t, g, 100005, 0x33)
	if err := cl.writeFrame(st, im, h, payload, dec, log); err != nil {
		t.Fatalf("gapped frame: %v", err)
	}
	if st.framesMissed.Load() != 4 {
		t.Errorf("framesMissed = %d, want 4", st.framesMissed.Load())
	}

	// The producer restarted: cnt0 falls back near zero. The frame must be
	// published and the sequence re-anchored.
	h, payload = frameFor(t, g, 1, 0x44)
	if err := cl.writeFrame(st, im, h, payload, dec, log); err != nil {
		t.Fatalf("post-restart frame: %v", err)
	}
	if im.Cnt0() != 1 || im.Slice(0)[0] != 0x44 {
		t.Fatalf("post-restart frame not published: cnt0=%d pixel=%#x", im.Cnt0(), im.Slice(0)[0])
	}
	if st.lastCnt0.Load() != 1 {
		t.Errorf("lastCnt0 = %d after restart, want 1", st.lastCnt0.Load())
	}

	// Delivery continues from the new sequence.
	h, payload = frameFor(t, g, 2, 0x55)
	if err := cl.writeFrame(st, im, h, payload, dec, log); err != nil {
		t.Fatalf("frame after restart: %v", err)
	}
	if im.Cnt0() != 2 || im.Slice(0)[0] != 0x55 {
		t.Fatalf("delivery did not resume: cnt0=%d pixel=%#x", im.Cnt0(), im.Slice(0)[0])
	}
}

// TestWriteFrameRejectsOversizedCompSize verifies a header whose compressed
// size exceeds the payload is refused before any shared-memory write.
func TestWriteFrameRejectsOversizedCompSize(t *testing.T) {
	t.Setenv("MILK_SHM_DIR", t.TempDir())

	cl, err := New(Config{Host: "localhost"}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := &streamState{spec: StreamSpec{Remote: "cam", Local: "cam"}}

	g := shmim.Geometry{DataType: shmim.UInt16, Width: 4, Height: 4}
	im, err := shmim.Create("cam", g, 2)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer im.Destroy()

	dec := xcodec.New()
	dec.SetGeometry(g.DataType, g.Width, g.Height)

	h, payload := frameFor(t, g, 1, 0x11)
	h.CompSize = uint32(len(payload) + 1)
	if err := cl.writeFrame(st, im, h, payload, dec, slog.Default()); err == nil {
		t.Error("oversized compressed size accepted")
	}
}
