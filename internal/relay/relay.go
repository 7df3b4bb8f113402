// Package relay owns the single Socket.IO connection to the agent backend,
// forwards submissions to it and turns its streamed events into a log.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/eventstore"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
	"github.com/loqalabs/cursor-bridge/internal/socketio"
)

const (
	ModeImplement = "implement"
	ModeKanban    = "kanban"

	eventStartProcessing = "start_processing"
)

var (
	ErrEmptyMessage    = errors.New("relay: message is empty")
	ErrNoEndpoint      = errors.New("relay: no endpoint configured")
	ErrNotConnected    = errors.New("relay: not connected")
	ErrInvalidMode     = errors.New("relay: invalid submission type")
	ErrInvalidEndpoint = errors.New("relay: invalid endpoint url")
	ErrSendFailed      = errors.New("relay: send failed")
	ErrClosed          = errors.New("relay: closed")
)

// UserMessage is the operator-facing text for a relay error.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "Please enter some text"
	case errors.Is(err, ErrNoEndpoint):
		return "Please enter the webhook URL"
	case errors.Is(err, ErrNotConnected):
		return "Not connected to server. Please check your connection."
	case errors.Is(err, ErrInvalidMode):
		return "Submission type must be implement or kanban"
	default:
		return err.Error()
	}
}

// IsValidation reports whether err is an input problem rather than a
// connectivity or state problem.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyMessage) || errors.Is(err, ErrNoEndpoint) ||
		errors.Is(err, ErrInvalidMode) || errors.Is(err, ErrInvalidEndpoint)
}

// State is the relay's connection/processing state.
type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Publisher fans relay activity out to other processes.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists submissions and the events they produce.
type Recorder interface {
	AppendSubmission(ctx context.Context, sub eventstore.Submission) error
	DeleteSubmission(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Publisher  Publisher
	Recorder   Recorder
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Status is a point-in-time view of the relay.
type Status struct {
	Endpoint     string `json:"endpoint"`
	Base         string `json:"base"`
	State        State  `json:"state"`
	Connected    bool   `json:"connected"`
	Processing   bool   `json:"processing"`
	Transport    string `json:"transport,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	LogLines     int    `json:"log_lines"`
	LogEpoch     int    `json:"log_epoch"`
}

type Relay struct {
	cfg    config.RelayConfig
	pub    Publisher
	rec    Recorder
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger
	clock  func() time.Time
	output Log

	tracer      trace.Tracer
	meter       metric.Meter
	submissions metric.Int64Counter
	inbound     metric.Int64Counter

	// endpointMu serialises connection replacement; mu guards everything below.
	endpointMu sync.Mutex
	mu         sync.Mutex
	gen        uint64
	conn       *connection
	endpoint   string
	base       string
	state      State
	current    string
	traceID    string
	lastErr    string
	closed     bool
}

func New(cfg config.RelayConfig, opts Options, log *slog.Logger) *Relay {
	r := &Relay{
		cfg:    cfg,
		pub:    opts.Publisher,
		rec:    opts.Recorder,
		http:   opts.HTTPClient,
		dialer: opts.Dialer,
		log:    log.With(slog.String("component", "relay")),
		clock:  time.Now,
		tracer: otel.Tracer("github.com/loqalabs/cursor-bridge/relay"),
		meter:  otel.Meter("github.com/loqalabs/cursor-bridge/relay"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

func (r *Relay) initMetrics() error {
	submissions, err := r.meter.Int64Counter("relay.submissions", metric.WithDescription("Submissions by outcome"))
	if err != nil {
		return err
	}
	inbound, err := r.meter.Int64Counter("relay.inbound_events", metric.WithDescription("Events received from the agent backend"))
	if err != nil {
		return err
	}
	r.submissions = submissions
	r.inbound = inbound

	stateGauge, err := r.meter.Int64ObservableGauge("relay.state", metric.WithDescription("0 disconnected, 1 idle, 2 processing"))
	if err != nil {
		return err
	}
	linesGauge, err := r.meter.Int64ObservableGauge("relay.log_lines", metric.WithDescription("Lines in the current log"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(stateGauge, int64(r.State()))
		obs.ObserveInt64(linesGauge, int64(r.output.Len()))
		return nil
	}, stateGauge, linesGauge)
	return err
}

// NormalizeEndpoint derives the backend base address from a webhook URL.
func NormalizeEndpoint(raw, suffix string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return "", nil
	}
	if suffix != "" {
		base = strings.TrimSuffix(base, "/"+strings.Trim(suffix, "/"))
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return base, nil
}

// SetEndpoint replaces the backend connection. The previous connection is
// fully closed, and its handlers silenced, before the new one is dialled. An
// empty url only tears down.
func (r *Relay) SetEndpoint(raw string) error {
	base, err := NormalizeEndpoint(raw, r.cfg.WebhookSuffix)
	if err != nil {
		return err
	}

	r.endpointMu.Lock()
	defer r.endpointMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.gen++
	old := r.conn
	r.conn = nil
	r.endpoint = strings.TrimSpace(raw)
	r.base = base
	r.lastErr = ""
	r.setStateLocked(StateDisconnected)
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	if base == "" {
		r.log.Info("endpoint cleared")
		return nil
	}

	r.mu.Lock()
	conn := newConnection(r.gen)
	r.conn = conn
	r.mu.Unlock()

	r.log.Info("connecting to agent backend", slog.String("base", base))
	conn.start(base, r.dialOptions(), r.dispatch, r.dialFailed)
	return nil
}

func (r *Relay) dialOptions() socketio.Options {
	return socketio.Options{
		Path:           r.cfg.SocketPath,
		Transports:     r.cfg.Transports,
		ConnectTimeout: time.Duration(r.cfg.ConnectTimeout) * time.Millisecond,
		HTTPClient:     r.http,
		Dialer:         r.dialer,
		Logger:         r.log,
	}
}

// Submit forwards message to the backend as a start_processing event and
// returns the submission id. Checks run in a fixed order and none of them
// touches the network.
func (r *Relay) Submit(ctx context.Context, message, mode string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "relay.submit", trace.WithAttributes(attribute.String("relay.mode", mode)))
	defer span.End()

	id, err := r.submit(ctx, message, mode)
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("relay.submission_id", id))
	}
	if r.submissions != nil {
		r.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return id, err
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrNoEndpoint):
		return "no_endpoint"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrInvalidMode):
		return "invalid_mode"
	default:
		return "send_failed"
	}
}

type startProcessing struct {
	Message        string `json:"message"`
	SubmissionType string `json:"submissionType"`
}

func (r *Relay) submit(ctx context.Context, message, mode string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	if mode == "" {
		mode = r.cfg.DefaultMode
	}

	r.mu.Lock()
	if r.endpoint == "" {
		r.mu.Unlock()
		return "", ErrNoEndpoint
	}
	if r.conn == nil || r.state == StateDisconnected {
		r.mu.Unlock()
		return "", ErrNotConnected
	}
	if mode != ModeImplement && mode != ModeKanban {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	id := uuid.NewString()
	conn := r.conn
	prevID, prevTrace := r.current, r.traceID
	r.output.Reset()
	r.current = id
	r.traceID = ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		r.traceID = sc.TraceID().String()
	}
	// The row must exist before the agent can answer: events reference it.
	recorded := false
	if r.rec != nil {
		sub := eventstore.Submission{ID: id, Endpoint: r.base, Mode: mode, Message: message, CreatedAt: r.clock().UTC()}
		if err := r.rec.AppendSubmission(ctx, sub); err != nil {
			r.log.Warn("failed to record submission", slogError(err))
		} else {
			recorded = true
		}
	}
	r.mu.Unlock()

	if err := conn.emit(eventStartProcessing, startProcessing{Message: message, SubmissionType: mode}); err != nil {
		r.withdraw(id, prevID, prevTrace, recorded)
		if errors.Is(err, socketio.ErrNotConnected) || errors.Is(err, socketio.ErrClosed) {
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	r.log.Info("submission sent", slog.String("submission_id", id), slog.String("mode", mode))
	return id, nil
}

// withdraw undoes the bookkeeping for a submission the agent never received.
func (r *Relay) withdraw(id, prevID, prevTrace string, recorded bool) {
	if recorded {
		// context.Background: the row must go even if the request was cancelled.
		if err := r.rec.DeleteSubmission(context.Background(), id); err != nil {
			r.log.Warn("failed to withdraw submission", slog.String("submission_id", id), slogError(err))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == id {
		r.current, r.traceID = prevID, prevTrace
	}
}

// ClearLog empties the log without touching the connection.
func (r *Relay) ClearLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Reset()
}

// Log exposes the current output for cursor-based reads.
func (r *Relay) Log() *Log { return &r.output }

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Endpoint:     r.endpoint,
		Base:         r.base,
		State:        r.state,
		Connected:    r.state != StateDisconnected,
		Processing:   r.state == StateProcessing,
		SubmissionID: r.current,
		LastError:    r.lastErr,
		LogLines:     r.output.Len(),
		LogEpoch:     r.output.Epoch(),
	}
	if r.conn != nil {
		st.Transport = r.conn.transport()
	}
	return st
}

// Close tears the connection down for good.
func (r *Relay) Close() error {
	r.endpointMu.Lock()
	defer r.endpointMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	old := r.conn
	r.conn = nil
	r.setStateLocked(StateDisconnected)
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	return nil
}

func (r *Relay) dialFailed(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.lastErr = err.Error()
	r.log.Warn("agent backend unreachable", slog.String("base", r.base), slogError(err))
}

// dispatch applies one inbound event. Events from a replaced connection
// carry a stale generation and are dropped.
func (r *Relay) dispatch(gen uint64, ev socketio.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.closed {
		return
	}
	if r.inbound != nil {
		r.inbound.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", ev.Name)))
	}

	switch ev.Name {
	case socketio.EventConnect:
		r.lastErr = ""
		r.setStateLocked(StateIdle)
		r.appendLocked(ev.Name, "🔗 Connected to server")
	case socketio.EventDisconnect:
		r.setStateLocked(StateDisconnected)
		r.appendLocked(ev.Name, "❌ Disconnected from server")
	case socketio.EventConnectError:
		r.lastErr = "connect error: " + field(ev, "message")
		r.log.Warn("agent backend refused connection", slog.String("detail", r.lastErr))
	case "cursor_agent_start":
		r.setStateLocked(StateProcessing)
		r.appendLocked(ev.Name, "🚀 "+field(ev, "message"))
	case "cursor_agent_output":
		r.appendLocked(ev.Name, field(ev, "line"))
	case "cursor_agent_complete":
		r.setStateLocked(StateIdle)
		r.appendLocked(ev.Name, "✅ Process completed with exit code: "+field(ev, "returncode"))
	case "cursor_agent_error":
		r.setStateLocked(StateIdle)
		r.appendLocked(ev.Name, "❌ Error: "+field(ev, "error"))
	case "connected":
		r.appendLocked(ev.Name, "✅ "+field(ev, "message"))
	case "processing_started":
		r.appendLocked(ev.Name, "🚀 "+field(ev, "message"))
	case "error":
		r.setStateLocked(StateIdle)
		r.appendLocked(ev.Name, "❌ Server Error: "+field(ev, "error"))
	default:
		r.log.Debug("ignoring event", slog.String("event", ev.Name))
	}
}

func (r *Relay) setStateLocked(next State) {
	prev := r.state
	if prev == next {
		return
	}
	r.state = next
	change := protocol.StateChange{Endpoint: r.base, From: prev.String(), To: next.String(), Timestamp: r.clock().UTC()}
	if err := r.publish(protocol.SubjectRelayState, change); err != nil {
		r.log.Warn("failed to publish state change", slogError(err))
	}
}

func (r *Relay) appendLocked(event, text string) {
	idx := r.output.Append(text)
	now := r.clock().UTC()
	line := protocol.LogLine{SubmissionID: r.current, Index: idx, Text: text, Event: event, Timestamp: now}
	if err := r.publish(protocol.SubjectRelayLog, line); err != nil {
		r.log.Warn("failed to publish log line", slogError(err))
	}
	if r.rec != nil && r.current != "" {
		evt := eventstore.Event{SubmissionID: r.current, TraceID: r.traceID, Type: event, Payload: []byte(text), CreatedAt: now}
		if err := r.rec.AppendEvent(context.Background(), evt); err != nil {
			r.log.Warn("failed to record event", slogError(err))
		}
	}
}

func (r *Relay) publish(subject string, v any) error {
	if r.pub == nil {
		return nil
	}
	return r.pub.PublishJSON(subject, v)
}

// field renders one payload field the way a template literal would: strings
// verbatim, other JSON values as written, absent fields as "undefined".
func field(ev socketio.Event, name string) string {
	if len(ev.Args) == 0 {
		return "undefined"
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(ev.Args[0], &payload); err != nil {
		return "undefined"
	}
	raw, ok := payload[name]
	if !ok {
		return "undefined"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
