package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/cursor-bridge/internal/bus"
	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/natsserver"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func connect(t *testing.T, cfg config.BusConfig) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInstancesDiscoverEachOther(t *testing.T) {
	busCfg := startBus(t)
	cfg := config.PresenceConfig{Enabled: true, HeartbeatInterval: 50, HeartbeatTimeout: 500}

	cfg.ID = "desk"
	desk, err := New(context.Background(), cfg, connect(t, busCfg), func() protocol.Beacon {
		return protocol.Beacon{Endpoint: "http://agent-a", RelayState: "idle", Capabilities: []string{"relay", "voice"}}
	}, newLogger())
	if err != nil {
		t.Fatalf("new desk: %v", err)
	}
	t.Cleanup(desk.Close)

	cfg.ID = "laptop"
	laptop, err := New(context.Background(), cfg, connect(t, busCfg), func() protocol.Beacon {
		return protocol.Beacon{RelayState: "disconnected", Capabilities: []string{"relay"}}
	}, newLogger())
	if err != nil {
		t.Fatalf("new laptop: %v", err)
	}
	t.Cleanup(laptop.Close)

	waitFor(t, "desk sees laptop", func() bool { return len(desk.Peers(nil)) == 2 })
	waitFor(t, "laptop sees desk", func() bool { return len(laptop.Peers(nil)) == 2 })

	if !desk.Healthy() || !laptop.Healthy() {
		t.Fatalf("expected both instances healthy")
	}
	voice := laptop.Peers(WithCapability("voice"))
	if len(voice) != 1 || voice[0].ID != "desk" || voice[0].Endpoint != "http://agent-a" {
		t.Fatalf("unexpected voice peers %+v", voice)
	}
	peers := desk.Peers(nil)
	if peers[0].ID != "desk" || peers[1].ID != "laptop" {
		t.Fatalf("expected peers sorted by id, got %s %s", peers[0].ID, peers[1].ID)
	}
}

func TestStalePeersTurnUnhealthy(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Registry{
		id:      "self",
		timeout: 3 * time.Second,
		peers:   make(map[string]*Peer),
		clock:   func() time.Time { return now },
	}
	r.update(protocol.Beacon{ID: "self", Timestamp: now})
	r.update(protocol.Beacon{ID: "other", Timestamp: now.Add(-5 * time.Second)})
	r.evaluateHealth()

	if !r.Healthy() {
		t.Fatalf("self should be healthy")
	}
	healthy := r.Peers(OnlyHealthy)
	if len(healthy) != 1 || healthy[0].ID != "self" {
		t.Fatalf("unexpected healthy peers %+v", healthy)
	}

	// An older beacon never rolls a peer back.
	r.update(protocol.Beacon{ID: "self", RelayState: "stale", Timestamp: now.Add(-time.Minute)})
	if p := r.Peers(nil)[1]; p.RelayState == "stale" {
		t.Fatalf("older beacon replaced newer state")
	}
	all, ok := r.counts()
	if all != 2 || ok != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", all, ok)
	}
}

func TestDottedInstanceIDs(t *testing.T) {
	busCfg := startBus(t)
	cfg := config.PresenceConfig{Enabled: true, HeartbeatInterval: 50, HeartbeatTimeout: 300}

	cfg.ID = "laptop"
	laptop, err := New(context.Background(), cfg, connect(t, busCfg), nil, newLogger())
	if err != nil {
		t.Fatalf("new laptop: %v", err)
	}
	t.Cleanup(laptop.Close)

	cfg.ID = "desk.example.com"
	desk, err := New(context.Background(), cfg, connect(t, busCfg), nil, newLogger())
	if err != nil {
		t.Fatalf("new desk: %v", err)
	}
	t.Cleanup(desk.Close)

	// tablet misses desk's announce and only hears its heartbeats.
	cfg.ID = "tablet"
	tablet, err := New(context.Background(), cfg, connect(t, busCfg), nil, newLogger())
	if err != nil {
		t.Fatalf("new tablet: %v", err)
	}
	t.Cleanup(tablet.Close)

	waitFor(t, "tablet hears desk heartbeats", func() bool {
		return len(tablet.Peers(func(p Peer) bool { return p.ID == "desk.example.com" })) == 1
	})
	// Past the timeout desk stays healthy only if its heartbeats arrive.
	time.Sleep(1500 * time.Millisecond)
	healthy := laptop.Peers(OnlyHealthy)
	if len(healthy) != 3 {
		t.Fatalf("laptop sees %d healthy peers, want 3: %+v", len(healthy), laptop.Peers(nil))
	}
}

func TestHeartbeatSubject(t *testing.T) {
	cases := map[string]string{
		"laptop":           "bridge.presence.heartbeat.laptop",
		"desk.example.com": "bridge.presence.heartbeat.desk_example_com",
		"a*b>c d":          "bridge.presence.heartbeat.a_b_c_d",
	}
	for id, want := range cases {
		if got := heartbeatSubject(id); got != want {
			t.Fatalf("heartbeatSubject(%q) = %q, want %q", id, got, want)
		}
	}
}
