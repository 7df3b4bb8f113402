// Package presence lets bridge instances sharing a bus discover each other
// and see which agent backend each one is attached to.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/cursor-bridge/internal/bus"
	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
)

// Peer is the last known state of a bridge instance.
type Peer struct {
	protocol.Beacon
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// StatusFunc reports the local instance's current beacon contents. ID and
// Timestamp are filled in by the registry.
type StatusFunc func() protocol.Beacon

type Registry struct {
	id       string
	interval time.Duration
	timeout  time.Duration
	status   StatusFunc
	bus      *bus.Client
	log      *slog.Logger
	clock    func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// New subscribes to peer beacons, announces the local instance and starts
// heartbeating. It returns an error only if the subscriptions fail.
func New(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, status StatusFunc, log *slog.Logger) (*Registry, error) {
	id := cfg.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "bridge"
		}
		id = host
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:       id,
		interval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		status:   status,
		bus:      busClient,
		log:      log.With(slog.String("component", "presence"), slog.String("instance", id)),
		clock:    time.Now,
		peers:    make(map[string]*Peer),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.publish(protocol.SubjectPresenceAnnounce); err != nil {
		r.log.Warn("failed to announce instance", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) ID() string { return r.id }

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	if conn == nil {
		return fmt.Errorf("presence requires a bus connection")
	}
	announceSub, err := conn.Subscribe(protocol.SubjectPresenceAnnounce, r.handleBeacon)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectPresenceHeartbeat+".>", r.handleBeacon)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(heartbeatSubject(r.id)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// heartbeatSubject maps an instance id onto a single subject token. Host
// names are usually dotted, and dots, wildcards and whitespace all change
// how NATS splits the subject.
func heartbeatSubject(id string) string {
	token := strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>' || unicode.IsSpace(r):
			return '_'
		default:
			return r
		}
	}, id)
	return protocol.SubjectPresenceHeartbeat + "." + token
}

func (r *Registry) beacon() protocol.Beacon {
	var b protocol.Beacon
	if r.status != nil {
		b = r.status()
	}
	b.ID = r.id
	b.Timestamp = r.clock().UTC()
	return b
}

// publish sends the local beacon and records it directly, so the local
// instance is known even if the bus echo is delayed.
func (r *Registry) publish(subject string) error {
	b := r.beacon()
	r.update(b)
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) handleBeacon(msg *nats.Msg) {
	var b protocol.Beacon
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if b.ID == "" {
		return
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = r.clock().UTC()
	}
	r.update(b)
}

func (r *Registry) update(b protocol.Beacon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[b.ID]
	if ok && b.Timestamp.Before(peer.LastSeen) {
		return
	}
	if !ok {
		peer = &Peer{}
		r.peers[b.ID] = peer
	}
	peer.Beacon = b
	peer.LastSeen = b.Timestamp
	peer.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for _, peer := range r.peers {
		if now.Sub(peer.LastSeen) > r.timeout {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether the local instance's own beacons are current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[r.id]
	return ok && peer.Healthy
}

// Peers returns every known instance matching filter, sorted by ID.
func (r *Registry) Peers(filter func(Peer) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Peer
	for _, peer := range r.peers {
		p := *peer
		p.Capabilities = slices.Clone(peer.Capabilities)
		if filter == nil || filter(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func WithCapability(name string) func(Peer) bool {
	return func(p Peer) bool {
		return slices.Contains(p.Capabilities, name)
	}
}

func OnlyHealthy(p Peer) bool { return p.Healthy }

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/cursor-bridge/presence")
	total, err := meter.Int64ObservableGauge("bridge.presence.instances", metric.WithDescription("Known bridge instances"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("bridge.presence.healthy", metric.WithDescription("Bridge instances with current heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		all, ok := r.counts()
		obs.ObserveInt64(total, all)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, total, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var healthy int64
	for _, peer := range r.peers {
		if peer.Healthy {
			healthy++
		}
	}
	return int64(len(r.peers)), healthy
}
