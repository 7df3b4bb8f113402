package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/cursor-bridge/internal/bus"
	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/natsserver"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
	"github.com/loqalabs/cursor-bridge/internal/relay"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []protocol.SubmitRequest
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, message, mode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, protocol.SubmitRequest{Message: message, Mode: mode})
	if f.err != nil {
		return "", f.err
	}
	return "sub-1", nil
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, client *bus.Client, req protocol.SubmitRequest) protocol.SubmitReply {
	t.Helper()
	data, _ := json.Marshal(req)
	msg, err := client.Conn().Request(protocol.SubjectRelaySubmit, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.SubmitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestSubmitOverBus(t *testing.T) {
	client := startBus(t)
	submitter := &fakeSubmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, Subject: protocol.SubjectRelaySubmit}, client, submitter, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatalf("router should be healthy once subscribed")
	}

	reply := request(t, client, protocol.SubmitRequest{Message: "ship it", Mode: "kanban"})
	if !reply.OK || reply.ID != "sub-1" || reply.Error != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	submitter.mu.Lock()
	if len(submitter.calls) != 1 || submitter.calls[0].Mode != "kanban" {
		t.Fatalf("unexpected calls %+v", submitter.calls)
	}
	submitter.mu.Unlock()

	submitter.mu.Lock()
	submitter.err = relay.ErrNotConnected
	submitter.mu.Unlock()
	reply = request(t, client, protocol.SubmitRequest{Message: "again"})
	if reply.OK || reply.Error != "Not connected to server. Please check your connection." {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestDisabledRouterDoesNotSubscribe(t *testing.T) {
	client := startBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), config.RouterConfig{Enabled: false}, client, &fakeSubmitter{}, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if _, err := client.Conn().Request(protocol.SubjectRelaySubmit, []byte(`{}`), 200*time.Millisecond); err == nil {
		t.Fatalf("expected no responders")
	}
}
