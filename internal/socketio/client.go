package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Reserved event names delivered to the Handler.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

var (
	ErrClosed       = errors.New("socketio: client closed")
	ErrNotConnected = errors.New("socketio: namespace not connected")
)

// Event is an inbound server event or a lifecycle notification.
type Event struct {
	Name   string
	Args   []json.RawMessage
	Reason string
}

// Decode unmarshals the first event argument into v.
func (e Event) Decode(v any) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("socketio: event %q has no payload", e.Name)
	}
	return json.Unmarshal(e.Args[0], v)
}

// Handler receives events in arrival order from a single goroutine.
type Handler func(Event)

// Options control how Dial reaches the server.
type Options struct {
	Path           string
	Transports     []string
	ConnectTimeout time.Duration
	Header         http.Header
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if len(o.Transports) == 0 {
		o.Transports = []string{TransportWebsocket, TransportPolling}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: o.ConnectTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Client is one live Socket.IO connection.
type Client struct {
	transport transport
	namespace string
	handler   Handler
	log       *slog.Logger
	sid       string

	heartbeat time.Duration
	timer     *time.Timer
	timedOut  atomic.Bool

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a connection to rawURL, trying each configured transport in
// order. The URL path selects the namespace, as in the JavaScript client.
// The connect event is delivered to handler once the server accepts the
// namespace.
func Dial(ctx context.Context, rawURL string, opts Options, handler Handler) (*Client, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("socketio: parse url: %w", err)
	}
	switch base.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("socketio: unsupported scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("socketio: url %q has no host", rawURL)
	}
	namespace := defaultNamespace
	if base.Path != "" && base.Path != "/" {
		namespace = base.Path
	}
	if handler == nil {
		handler = func(Event) {}
	}

	var errs []error
	for _, name := range opts.Transports {
		dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		t, hs, err := openTransport(dctx, name, base, opts)
		cancel()
		if err != nil {
			opts.Logger.Debug("transport failed", slog.String("transport", name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c := &Client{
			transport: t,
			namespace: namespace,
			handler:   handler,
			log:       opts.Logger.With(slog.String("transport", name), slog.String("sid", hs.SID)),
			sid:       hs.SID,
			heartbeat: hs.heartbeat(),
			done:      make(chan struct{}),
		}
		if err := t.Send(Packet{Type: PacketMessage, Data: Message{Type: MessageConnect, Namespace: namespace}.Encode()}); err != nil {
			_ = t.Close()
			errs = append(errs, fmt.Errorf("%s: connect namespace: %w", name, err))
			continue
		}
		c.timer = time.AfterFunc(c.heartbeat, c.expire)
		go c.readLoop()
		return c, nil
	}
	return nil, fmt.Errorf("socketio: dial %s: %w", rawURL, errors.Join(errs...))
}

func openTransport(ctx context.Context, name string, base *url.URL, opts Options) (transport, Handshake, error) {
	u := endpointURL(base, opts.Path, name)
	switch name {
	case TransportWebsocket:
		return openWebsocket(ctx, opts.Dialer, u, opts.Header)
	case TransportPolling:
		return openPolling(ctx, opts.HTTPClient, u, opts.Header)
	default:
		return nil, Handshake{}, fmt.Errorf("unknown transport %q", name)
	}
}

// SID is the Engine.IO session id.
func (c *Client) SID() string { return c.sid }

// Transport reports the transport in use.
func (c *Client) Transport() string { return c.transport.Name() }

// Connected reports whether the namespace handshake completed and the
// connection is still up.
func (c *Client) Connected() bool { return c.connected.Load() && !c.closed.Load() }

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Emit sends an event with a single payload argument.
func (c *Client) Emit(name string, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	msg, err := NewEvent(c.namespace, name, payload)
	if err != nil {
		return err
	}
	return c.transport.Send(Packet{Type: PacketMessage, Data: msg.Encode()})
}

// Close disconnects and waits for the read loop to exit. No handler call
// starts after Close returns.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.connected.Load() {
			_ = c.transport.Send(Packet{Type: PacketMessage, Data: Message{Type: MessageDisconnect, Namespace: c.namespace}.Encode()})
		}
		_ = c.transport.Close()
	})
	<-c.done
	return nil
}

func (c *Client) expire() {
	c.timedOut.Store(true)
	_ = c.transport.Close()
}

func (c *Client) emit(ev Event) {
	if c.closed.Load() {
		return
	}
	c.handler(ev)
}

func (c *Client) readLoop() {
	reason := "transport close"
	defer func() {
		c.timer.Stop()
		_ = c.transport.Close()
		if c.connected.Swap(false) {
			c.emit(Event{Name: EventDisconnect, Reason: reason})
		}
		close(c.done)
	}()

	for {
		p, err := c.transport.Recv()
		if err != nil {
			if c.timedOut.Load() {
				reason = "ping timeout"
			} else if !errors.Is(err, io.EOF) {
				reason = "transport error"
				c.log.Debug("transport receive failed", slog.String("error", err.Error()))
			}
			return
		}
		c.timer.Reset(c.heartbeat)

		switch p.Type {
		case PacketPing:
			if err := c.transport.Send(Packet{Type: PacketPong, Data: p.Data}); err != nil {
				reason = "transport error"
				return
			}
		case PacketClose:
			return
		case PacketMessage:
			if p.Binary {
				continue
			}
			msg, err := DecodeMessage(p.Data)
			if err != nil {
				c.log.Debug("dropping malformed message", slog.String("error", err.Error()))
				continue
			}
			if msg.Namespace != c.namespace {
				continue
			}
			if stop := c.dispatch(msg); stop {
				reason = "io server disconnect"
				return
			}
		}
	}
}

func (c *Client) dispatch(msg Message) bool {
	switch msg.Type {
	case MessageConnect:
		c.connected.Store(true)
		c.emit(Event{Name: EventConnect, Args: argsOf(msg.Data)})
	case MessageDisconnect:
		return true
	case MessageConnectError:
		c.emit(Event{Name: EventConnectError, Args: argsOf(msg.Data)})
	case MessageEvent:
		name, args, err := msg.Event()
		if err != nil {
			c.log.Debug("dropping malformed event", slog.String("error", err.Error()))
			return false
		}
		c.emit(Event{Name: name, Args: args})
	}
	return false
}

func argsOf(data json.RawMessage) []json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return []json.RawMessage{data}
}
