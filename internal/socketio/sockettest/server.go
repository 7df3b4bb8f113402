// Package sockettest runs an in-process Socket.IO server for tests.
package sockettest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/cursor-bridge/internal/socketio"
)

// Received is an event a client emitted to the server.
type Received struct {
	SID  string
	Name string
	Args []json.RawMessage
}

// Decode unmarshals the first argument into v.
func (r Received) Decode(v any) error {
	if len(r.Args) == 0 {
		return fmt.Errorf("event %q has no payload", r.Name)
	}
	return json.Unmarshal(r.Args[0], v)
}

// Options tune the fake server.
type Options struct {
	// DisableWebsocket rejects websocket upgrades so clients fall back to polling.
	DisableWebsocket bool
	// RejectNamespace answers namespace connects with a connect_error.
	RejectNamespace bool
	PingInterval    time.Duration
	PingTimeout     time.Duration
}

// Server is a minimal Engine.IO v4 / Socket.IO v5 server.
type Server struct {
	*httptest.Server
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	opened   int
	maxLive  int
	pongs    int

	received chan Received
}

type session struct {
	sid       string
	transport string
	connected bool

	// websocket
	conn    *websocket.Conn
	writeMu sync.Mutex

	// polling
	queue  chan []byte
	closed chan struct{}
	once   sync.Once
}

// New starts a server; it is closed when the test ends via Close.
func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	s := &Server{
		opts:     opts,
		sessions: make(map[string]*session),
		received: make(chan Received, 64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Received delivers client events in arrival order.
func (s *Server) Received() <-chan Received { return s.received }

// Live is the number of open Engine.IO sessions.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MaxLive is the highest number of simultaneously open sessions seen.
func (s *Server) MaxLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLive
}

// Opened counts every session ever opened.
func (s *Server) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Pongs counts pong packets received.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// Connected is the number of sessions that joined the namespace.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.connected {
			n++
		}
	}
	return n
}

// WaitFor polls cond until it holds or the timeout passes.
func (s *Server) WaitFor(timeout time.Duration, cond func(*Server) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(s) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond(s)
}

// Emit broadcasts an event to every connected session. A nil payload sends
// the bare event name.
func (s *Server) Emit(name string, payload any) error {
	msg, err := socketio.NewEvent("/", name, payload)
	if err != nil {
		return err
	}
	s.broadcast(socketio.Packet{Type: socketio.PacketMessage, Data: msg.Encode()}.Encode())
	return nil
}

// EmitRaw broadcasts a raw Engine.IO text packet.
func (s *Server) EmitRaw(packet string) {
	s.broadcast([]byte(packet))
}

// Ping sends an Engine.IO ping to every session.
func (s *Server) Ping() {
	s.broadcast(socketio.Packet{Type: socketio.PacketPing}.Encode())
}

// Disconnect sends a namespace disconnect to every session.
func (s *Server) Disconnect() {
	s.broadcast(socketio.Packet{Type: socketio.PacketMessage, Data: socketio.Message{Type: socketio.MessageDisconnect}.Encode()}.Encode())
}

func (s *Server) broadcast(frame []byte) {
	s.mu.Lock()
	var targets []*session
	for _, sess := range s.sessions {
		if sess.connected || frame[0] == '0'+byte(socketio.PacketPing) {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range targets {
		sess.send(frame)
	}
}

func (sess *session) send(frame []byte) {
	if sess.conn != nil {
		sess.writeMu.Lock()
		_ = sess.conn.WriteMessage(websocket.TextMessage, frame)
		sess.writeMu.Unlock()
		return
	}
	select {
	case sess.queue <- frame:
	case <-sess.closed:
	}
}

func (s *Server) openSession(transport string, conn *websocket.Conn) *session {
	sess := &session{sid: uuid.NewString(), transport: transport, conn: conn}
	if conn == nil {
		sess.queue = make(chan []byte, 64)
		sess.closed = make(chan struct{})
	}
	s.mu.Lock()
	s.sessions[sess.sid] = sess
	s.opened++
	if len(s.sessions) > s.maxLive {
		s.maxLive = len(s.sessions)
	}
	s.mu.Unlock()
	return sess
}

func (s *Server) closeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.sid)
	s.mu.Unlock()
	if sess.closed != nil {
		sess.once.Do(func() { close(sess.closed) })
	}
}

func (s *Server) openPacket(sid string) []byte {
	hs, _ := json.Marshal(socketio.Handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(s.opts.PingTimeout / time.Millisecond),
		MaxPayload:   1000000,
	})
	return socketio.Packet{Type: socketio.PacketOpen, Data: hs}.Encode()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	switch r.URL.Query().Get("transport") {
	case socketio.TransportWebsocket:
		if s.opts.DisableWebsocket {
			http.Error(w, "websocket disabled", http.StatusBadRequest)
			return
		}
		s.serveWebsocket(w, r)
	case socketio.TransportPolling:
		s.servePolling(w, r)
	default:
		http.Error(w, "unknown transport", http.StatusBadRequest)
	}
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.openSession(socketio.TransportWebsocket, conn)
	defer func() {
		s.closeSession(sess)
		conn.Close()
	}()
	sess.send(s.openPacket(sess.sid))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.handle(sess, data) {
			return
		}
	}
}

func (s *Server) servePolling(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "missing sid", http.StatusBadRequest)
			return
		}
		sess := s.openSession(socketio.TransportPolling, nil)
		_, _ = w.Write(s.openPacket(sess.sid))
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown sid", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		var frames [][]byte
		select {
		case frame := <-sess.queue:
			frames = append(frames, frame)
		case <-sess.closed:
			frames = append(frames, socketio.Packet{Type: socketio.PacketClose}.Encode())
		case <-r.Context().Done():
			return
		case <-time.After(time.Second):
			frames = append(frames, socketio.Packet{Type: socketio.PacketNoop}.Encode())
		}
	drain:
		for {
			select {
			case frame := <-sess.queue:
				frames = append(frames, frame)
			default:
				break drain
			}
		}
		for i, frame := range frames {
			if i > 0 {
				_, _ = w.Write([]byte{0x1e})
			}
			_, _ = w.Write(frame)
		}
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		packets, err := socketio.DecodePayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, p := range packets {
			if !s.handle(sess, p.Encode()) {
				s.closeSession(sess)
				break
			}
		}
		_, _ = w.Write([]byte("ok"))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handle processes one client frame and reports whether the session stays open.
func (s *Server) handle(sess *session, frame []byte) bool {
	p, err := socketio.DecodePacket(frame)
	if err != nil {
		return true
	}
	switch p.Type {
	case socketio.PacketClose:
		return false
	case socketio.PacketPong:
		s.mu.Lock()
		s.pongs++
		s.mu.Unlock()
	case socketio.PacketMessage:
		msg, err := socketio.DecodeMessage(p.Data)
		if err != nil {
			return true
		}
		switch msg.Type {
		case socketio.MessageConnect:
			if s.opts.RejectNamespace {
				reply := socketio.Message{Type: socketio.MessageConnectError, Data: json.RawMessage(`{"message":"not authorized"}`)}
				sess.send(socketio.Packet{Type: socketio.PacketMessage, Data: reply.Encode()}.Encode())
				return true
			}
			s.mu.Lock()
			sess.connected = true
			s.mu.Unlock()
			reply := socketio.Message{Type: socketio.MessageConnect, Data: json.RawMessage(fmt.Sprintf(`{"sid":%q}`, sess.sid))}
			sess.send(socketio.Packet{Type: socketio.PacketMessage, Data: reply.Encode()}.Encode())
		case socketio.MessageDisconnect:
			return false
		case socketio.MessageEvent:
			name, args, err := msg.Event()
			if err != nil {
				return true
			}
			s.received <- Received{SID: sess.sid, Name: name, Args: args}
		}
	}
	return true
}
