package server

import (
	"testing"

	"github.com/jaredmales/milkzmq/internal/xcodec"
)

// TestConfigValidation walks accept/reject cases of the server parameters.
func TestConfigValidation(t *testing.T) {
	good := DefaultConfig()
	if _, err := New(good, nil); err != nil {
		t.Fatalf("New(DefaultConfig) failed: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"negative sleep", func(c *Config) { c.USecSleep = -1 }},
		{"zero fps", func(c *Config) { c.FPSTgt = 0 }},
		{"negative fps", func(c *Config) { c.FPSTgt = -5 }},
		{"negative gain", func(c *Config) { c.FPSGain = -0.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg, nil); err == nil {
				t.Error("New accepted a bad config")
			}
		})
	}
}

// TestNewAppliesDefaults verifies zero gain selects the default and an
// unstarted server reports empty stats.
func TestNewAppliesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Methods = xcodec.DefaultCompression()
	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if srv.cfg.FPSGain == 0 {
		t.Error("zero FPSGain not replaced with the default")
	}

	stats := srv.Stats()
	if stats.Peers != 0 || len(stats.Streams) != 0 {
		t.Errorf("unstarted server stats = %+v", stats)
	}
}

// TestStopBeforeStart verifies Stop on an unstarted server is a no-op.
func TestStopBeforeStart(t *testing.T) {
	srv, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

// TestRequestRestartBumpsGeneration verifies each request is a distinct
// generation, so a serve loop mid-cycle cannot miss two rapid restarts.
func TestRequestRestartBumpsGeneration(t *testing.T) {
	srv, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	g0 := srv.restartSeq.Load()
	srv.RequestRestart()
	srv.RequestRestart()
	if got := srv.restartSeq.Load(); got != g0+2 {
		t.Errorf("restart generation = %d, want %d", got, g0+2)
	}
}
