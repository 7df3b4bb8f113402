package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/eventstore"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
	"github.com/loqalabs/cursor-bridge/internal/socketio"
	"github.com/loqalabs/cursor-bridge/internal/socketio/sockettest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.RelayConfig {
	return config.Default().Relay
}

type fakePublisher struct {
	mu       sync.Mutex
	lines    []protocol.LogLine
	states   []protocol.StateChange
	subjects []string
}

func (p *fakePublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	switch msg := v.(type) {
	case protocol.LogLine:
		p.lines = append(p.lines, msg)
	case protocol.StateChange:
		p.states = append(p.states, msg)
	}
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	subs   []eventstore.Submission
	events []eventstore.Event
}

// linesFor returns a copy of the published log lines tagged with submissionID.
func (p *fakePublisher) linesFor(submissionID string) []protocol.LogLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.LogLine
	for _, l := range p.lines {
		if l.SubmissionID == submissionID {
			out = append(out, l)
		}
	}
	return out
}

func (p *fakePublisher) stateChanges() []protocol.StateChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.StateChange(nil), p.states...)
}

func (r *fakeRecorder) snapshot() ([]eventstore.Submission, []eventstore.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventstore.Submission(nil), r.subs...), append([]eventstore.Event(nil), r.events...)
}

func (r *fakeRecorder) AppendSubmission(_ context.Context, sub eventstore.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
	return nil
}

func (r *fakeRecorder) DeleteSubmission(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0]
	for _, sub := range r.subs {
		if sub.ID != id {
			kept = append(kept, sub)
		}
	}
	r.subs = kept
	return nil
}

func (r *fakeRecorder) AppendEvent(_ context.Context, evt eventstore.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connected(t *testing.T, srv *sockettest.Server, opts Options) *Relay {
	t.Helper()
	r := New(testConfig(), opts, newLogger())
	t.Cleanup(func() { _ = r.Close() })
	if err := r.SetEndpoint(srv.URL + "/webhook"); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}
	waitFor(t, "connect", func() bool { return r.State() == StateIdle })
	return r
}

func assertNothingReceived(t *testing.T, srv *sockettest.Server) {
	t.Helper()
	select {
	case got := <-srv.Received():
		t.Fatalf("server unexpectedly received %q", got.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"":                                  "",
		"   ":                               "",
		"https://abc.ngrok.io/webhook":      "https://abc.ngrok.io",
		" https://abc.ngrok.io/webhook/ ":   "https://abc.ngrok.io",
		"http://localhost:5000":             "http://localhost:5000",
		"http://localhost:5000/api/webhook": "http://localhost:5000/api",
	}
	for in, want := range cases {
		got, err := NormalizeEndpoint(in, "/webhook")
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"abc.ngrok.io/webhook", "ftp://host/webhook", "http:///webhook"} {
		if _, err := NormalizeEndpoint(bad, "/webhook"); !errors.Is(err, ErrInvalidEndpoint) {
			t.Fatalf("expected ErrInvalidEndpoint for %q, got %v", bad, err)
		}
	}
}

func TestSubmitValidationOrder(t *testing.T) {
	r := New(testConfig(), Options{}, newLogger())
	defer r.Close()
	ctx := context.Background()

	if _, err := r.Submit(ctx, "   ", ModeImplement); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := r.Submit(ctx, "hello", ModeImplement); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
	if got := UserMessage(ErrEmptyMessage); got != "Please enter some text" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := UserMessage(ErrNoEndpoint); got != "Please enter the webhook URL" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := UserMessage(ErrNotConnected); got != "Not connected to server. Please check your connection." {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestSubmitEmptyMessageSendsNothing(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	r := connected(t, srv, Options{})
	r.Log().Append("previous output")
	before := r.Log().Lines()

	if _, err := r.Submit(context.Background(), "\n\t ", ModeImplement); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	assertNothingReceived(t, srv)
	after := r.Log().Lines()
	if len(after) != 2 || strings.Join(after, "\n") != strings.Join(before, "\n") {
		t.Fatalf("validation failure must not touch the log, got %q", after)
	}
}

func TestSubmitWhileDisconnectedSendsNothing(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	r := connected(t, srv, Options{})

	srv.Disconnect()
	waitFor(t, "disconnect", func() bool { return r.State() == StateDisconnected })

	if _, err := r.Submit(context.Background(), "hello", ModeImplement); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	assertNothingReceived(t, srv)

	lines := r.Log().Lines()
	if len(lines) != 2 || lines[0] != "🔗 Connected to server" || lines[1] != "❌ Disconnected from server" {
		t.Fatalf("unexpected log %q", lines)
	}
}

func TestSubmitUnreachableEndpoint(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	base := srv.URL
	srv.Close()

	cfg := testConfig()
	cfg.ConnectTimeout = 200
	r := New(cfg, Options{}, newLogger())
	defer r.Close()
	if err := r.SetEndpoint(base + "/webhook"); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}
	waitFor(t, "dial failure", func() bool { return r.Status().LastError != "" })
	if _, err := r.Submit(context.Background(), "hello", ModeImplement); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSubmitInvalidMode(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	r := connected(t, srv, Options{})
	if _, err := r.Submit(context.Background(), "hello", "deploy"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	assertNothingReceived(t, srv)
}

func TestSubmitSendsOneEvent(t *testing.T) {
	for _, transport := range []string{socketio.TransportWebsocket, socketio.TransportPolling} {
		t.Run(transport, func(t *testing.T) {
			srv := sockettest.New(sockettest.Options{DisableWebsocket: transport == socketio.TransportPolling})
			defer srv.Close()
			rec := &fakeRecorder{}
			r := connected(t, srv, Options{Recorder: rec})
			if got := r.Status().Transport; got != transport {
				t.Fatalf("expected transport %s, got %s", transport, got)
			}

			id, err := r.Submit(context.Background(), "add a footer", "")
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if id == "" {
				t.Fatalf("expected submission id")
			}
			if r.Log().Len() != 0 {
				t.Fatalf("log must be empty at submit time, got %q", r.Log().Lines())
			}

			select {
			case got := <-srv.Received():
				var payload map[string]string
				if err := got.Decode(&payload); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if got.Name != "start_processing" || payload["message"] != "add a footer" || payload["submissionType"] != ModeImplement {
					t.Fatalf("unexpected event %s %v", got.Name, payload)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("server never received start_processing")
			}
			assertNothingReceived(t, srv)

			subs, _ := rec.snapshot()
			if len(subs) != 1 || subs[0].ID != id || subs[0].Mode != ModeImplement {
				t.Fatalf("unexpected recorded submissions %+v", subs)
			}
		})
	}
}

func TestFailedEmitLeavesNoSubmission(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	rec := &fakeRecorder{}
	r := connected(t, srv, Options{Recorder: rec})

	first, err := r.Submit(context.Background(), "first", ModeImplement)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-srv.Received()

	// Closing the client directly makes the next emit fail while the relay
	// still believes it is connected; no disconnect handler runs after Close.
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()
	if err := client.Close(); err != nil {
		t.Fatalf("close client: %v", err)
	}

	if _, err := r.Submit(context.Background(), "second", ModeImplement); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	subs, _ := rec.snapshot()
	if len(subs) != 1 || subs[0].ID != first {
		t.Fatalf("failed submission must not be recorded, got %+v", subs)
	}
	if got := r.Status().SubmissionID; got != first {
		t.Fatalf("expected current submission %s, got %s", first, got)
	}
}

func TestInboundEventsBuildLogInOrder(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	r := connected(t, srv, Options{Publisher: pub, Recorder: rec})

	id, err := r.Submit(context.Background(), "do it", ModeKanban)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-srv.Received()

	steps := []struct {
		name       string
		payload    any
		line       string
		processing bool
	}{
		{"connected", map[string]string{"message": "hello from agent"}, "✅ hello from agent", false},
		{"processing_started", map[string]string{"message": "queued"}, "🚀 queued", false},
		{"cursor_agent_start", map[string]string{"message": "Starting cursor-agent"}, "🚀 Starting cursor-agent", true},
		{"cursor_agent_output", map[string]string{"line": "  editing app/page.tsx"}, "  editing app/page.tsx", true},
		{"unknown_event", map[string]string{"x": "y"}, "", true},
		{"cursor_agent_output", map[string]string{"line": "done"}, "done", true},
		{"cursor_agent_complete", map[string]int{"returncode": 0}, "✅ Process completed with exit code: 0", false},
		{"cursor_agent_start", map[string]string{"message": "again"}, "🚀 again", true},
		{"cursor_agent_error", map[string]string{"error": "boom"}, "❌ Error: boom", false},
		{"cursor_agent_start", map[string]string{}, "🚀 undefined", true},
		{"error", map[string]string{"error": "bad request"}, "❌ Server Error: bad request", false},
	}

	var want []string
	for _, step := range steps {
		if err := srv.Emit(step.name, step.payload); err != nil {
			t.Fatalf("emit: %v", err)
		}
		if step.line != "" {
			want = append(want, step.line)
			n := len(want)
			waitFor(t, step.name, func() bool { return r.Log().Len() == n })
		} else {
			// unknown events leave no trace
			time.Sleep(20 * time.Millisecond)
		}
		if got := r.State() == StateProcessing; got != step.processing {
			t.Fatalf("after %s processing=%v, want %v", step.name, got, step.processing)
		}
	}

	got := r.Log().Lines()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("log mismatch\n got %q\nwant %q", got, want)
	}

	// The connect line went out before the submission and carries no id.
	if pre := pub.linesFor(""); len(pre) != 1 || pre[0].Text != "🔗 Connected to server" {
		t.Fatalf("unexpected lines before submit %+v", pre)
	}
	lines := pub.linesFor(id)
	if len(lines) != len(want) || lines[0].Index != 0 || lines[len(want)-1].Index != len(want)-1 {
		t.Fatalf("unexpected published lines %+v", lines)
	}

	_, events := rec.snapshot()
	if len(events) != len(want) || events[2].Type != "cursor_agent_start" {
		t.Fatalf("unexpected recorded events %+v", events)
	}

	r.ClearLog()
	if r.Log().Len() != 0 {
		t.Fatalf("clear should empty the log")
	}
	if r.State() != StateIdle {
		t.Fatalf("clear must not change state")
	}
}

// countingDialer tracks live client-side TCP connections.
type countingDialer struct {
	mu      sync.Mutex
	live    int
	maxLive int
}

type countedConn struct {
	net.Conn
	d    *countingDialer
	once sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() {
		c.d.mu.Lock()
		c.d.live--
		c.d.mu.Unlock()
	})
	return c.Conn.Close()
}

func (d *countingDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	d.mu.Unlock()
	return &countedConn{Conn: conn, d: d}, nil
}

func TestSetEndpointReplacesConnection(t *testing.T) {
	first := sockettest.New(sockettest.Options{})
	defer first.Close()
	second := sockettest.New(sockettest.Options{})
	defer second.Close()

	counter := &countingDialer{}
	cfg := testConfig()
	cfg.Transports = []string{socketio.TransportWebsocket}
	r := New(cfg, Options{Dialer: &websocket.Dialer{NetDialContext: counter.dial}}, newLogger())
	defer r.Close()

	if err := r.SetEndpoint(first.URL + "/webhook"); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}
	waitFor(t, "first connect", func() bool { return r.State() == StateIdle })
	if err := r.SetEndpoint(second.URL + "/webhook"); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}
	waitFor(t, "second connect", func() bool { return r.State() == StateIdle })

	counter.mu.Lock()
	maxLive, live := counter.maxLive, counter.live
	counter.mu.Unlock()
	if maxLive != 1 || live != 1 {
		t.Fatalf("expected one live connection at a time, max=%d live=%d", maxLive, live)
	}
	if !first.WaitFor(2*time.Second, func(s *sockettest.Server) bool { return s.Live() == 0 }) {
		t.Fatalf("first server still has a live session")
	}
	if r.Endpoint() != second.URL+"/webhook" || r.Status().Base != second.URL {
		t.Fatalf("unexpected endpoint %+v", r.Status())
	}

	// Only the replacement's events reach the log.
	before := r.Log().Len()
	if err := second.Emit("cursor_agent_output", map[string]string{"line": "from second"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	waitFor(t, "second output", func() bool { return r.Log().Len() == before+1 })
}

func TestStaleGenerationIgnored(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	r := connected(t, srv, Options{})

	r.mu.Lock()
	stale := r.gen - 1
	r.mu.Unlock()
	before := r.Log().Len()
	r.dispatch(stale, socketio.Event{Name: "cursor_agent_start", Args: []json.RawMessage{json.RawMessage(`{"message":"ghost"}`)}})
	r.dispatch(stale, socketio.Event{Name: socketio.EventDisconnect})
	if r.Log().Len() != before || r.State() != StateIdle {
		t.Fatalf("stale events must be dropped")
	}
}

func TestClearEndpointTearsDown(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	pub := &fakePublisher{}
	r := connected(t, srv, Options{Publisher: pub})

	if err := r.SetEndpoint(""); err != nil {
		t.Fatalf("clear endpoint: %v", err)
	}
	if r.State() != StateDisconnected || r.Endpoint() != "" {
		t.Fatalf("unexpected status %+v", r.Status())
	}
	if !srv.WaitFor(2*time.Second, func(s *sockettest.Server) bool { return s.Live() == 0 }) {
		t.Fatalf("server still has a live session")
	}
	if _, err := r.Submit(context.Background(), "hi", ModeImplement); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}

	states := pub.stateChanges()
	if len(states) != 2 || states[0].To != "idle" || states[1].To != "disconnected" {
		t.Fatalf("unexpected state changes %+v", states)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	srv := sockettest.New(sockettest.Options{})
	defer srv.Close()
	r := connected(t, srv, Options{})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := r.SetEndpoint(srv.URL); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if !srv.WaitFor(2*time.Second, func(s *sockettest.Server) bool { return s.Live() == 0 }) {
		t.Fatalf("server still has a live session")
	}
}

func TestFieldRendering(t *testing.T) {
	ev := socketio.Event{Args: []json.RawMessage{json.RawMessage(`{"returncode":1,"message":"hi","nothing":null}`)}}
	cases := map[string]string{"returncode": "1", "message": "hi", "nothing": "null", "missing": "undefined"}
	for name, want := range cases {
		if got := field(ev, name); got != want {
			t.Fatalf("field %s = %q, want %q", name, got, want)
		}
	}
	if got := field(socketio.Event{}, "message"); got != "undefined" {
		t.Fatalf("expected undefined for missing payload, got %q", got)
	}
}

func TestLogSince(t *testing.T) {
	var l Log
	for _, line := range []string{"a", "b", "c"} {
		l.Append(line)
	}
	if got := l.Since(1); len(got) != 2 || got[0] != "b" {
		t.Fatalf("unexpected since(1) %q", got)
	}
	if got := l.Since(10); len(got) != 0 {
		t.Fatalf("expected nothing past the end, got %q", got)
	}
	epoch := l.Epoch()
	l.Reset()
	if l.Len() != 0 || l.Epoch() != epoch+1 {
		t.Fatalf("reset should empty and bump epoch")
	}
}
