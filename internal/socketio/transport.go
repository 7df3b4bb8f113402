package socketio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// transport moves Engine.IO packets. Recv is only called from the client's
// read loop; Send may be called concurrently.
type transport interface {
	Name() string
	Send(p Packet) error
	Recv() (Packet, error)
	Close() error
}

func endpointURL(base *url.URL, path, name string) *url.URL {
	u := &url.URL{Scheme: base.Scheme, Host: base.Host, User: base.User}
	u.Path = "/" + strings.Trim(path, "/") + "/"
	switch {
	case name == TransportWebsocket && u.Scheme == "http":
		u.Scheme = "ws"
	case name == TransportWebsocket && u.Scheme == "https":
		u.Scheme = "wss"
	case name == TransportPolling && u.Scheme == "ws":
		u.Scheme = "http"
	case name == TransportPolling && u.Scheme == "wss":
		u.Scheme = "https"
	}
	q := base.Query()
	q.Set("EIO", "4")
	q.Set("transport", name)
	u.RawQuery = q.Encode()
	return u
}

type websocketTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func openWebsocket(ctx context.Context, dialer *websocket.Dialer, u *url.URL, header http.Header) (*websocketTransport, Handshake, error) {
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, Handshake{}, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, Handshake{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, Handshake{}, fmt.Errorf("read open packet: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	p, err := DecodePacket(data)
	if err != nil {
		conn.Close()
		return nil, Handshake{}, err
	}
	hs, err := parseHandshake(p)
	if err != nil {
		conn.Close()
		return nil, Handshake{}, err
	}
	return &websocketTransport{conn: conn}, hs, nil
}

func (t *websocketTransport) Name() string { return TransportWebsocket }

func (t *websocketTransport) Send(p Packet) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if p.Binary {
		return t.conn.WriteMessage(websocket.BinaryMessage, p.Data)
	}
	return t.conn.WriteMessage(websocket.TextMessage, p.Encode())
}

func (t *websocketTransport) Recv() (Packet, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Packet{}, io.EOF
			}
			return Packet{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return DecodePacket(data)
		case websocket.BinaryMessage:
			return Packet{Type: PacketMessage, Data: data, Binary: true}, nil
		}
	}
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

type pollingTransport struct {
	client *http.Client
	url    string
	header http.Header

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex
	closed atomic.Bool

	pending []Packet
}

func openPolling(ctx context.Context, client *http.Client, u *url.URL, header http.Header) (*pollingTransport, Handshake, error) {
	packets, err := poll(ctx, client, u.String(), header)
	if err != nil {
		return nil, Handshake{}, err
	}
	if len(packets) == 0 {
		return nil, Handshake{}, errors.New("socketio: empty handshake response")
	}
	hs, err := parseHandshake(packets[0])
	if err != nil {
		return nil, Handshake{}, err
	}
	session := *u
	q := session.Query()
	q.Set("sid", hs.SID)
	session.RawQuery = q.Encode()

	tctx, cancel := context.WithCancel(context.Background())
	return &pollingTransport{
		client:  client,
		url:     session.String(),
		header:  header,
		ctx:     tctx,
		cancel:  cancel,
		pending: packets[1:],
	}, hs, nil
}

func poll(ctx context.Context, client *http.Client, target string, header http.Header) ([]Packet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, header)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return DecodePayload(body)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func (t *pollingTransport) Name() string { return TransportPolling }

func (t *pollingTransport) Recv() (Packet, error) {
	for len(t.pending) == 0 {
		if t.closed.Load() {
			return Packet{}, io.EOF
		}
		packets, err := poll(t.ctx, t.client, t.url, t.header)
		if err != nil {
			if t.closed.Load() {
				return Packet{}, io.EOF
			}
			return Packet{}, err
		}
		t.pending = packets
	}
	p := t.pending[0]
	t.pending = t.pending[1:]
	return p, nil
}

func (t *pollingTransport) Send(p Packet) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.post(t.ctx, p)
}

func (t *pollingTransport) post(ctx context.Context, p Packet) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(EncodePayload([]Packet{p})))
	if err != nil {
		return err
	}
	copyHeader(req.Header, t.header)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polling send failed (status %d)", resp.StatusCode)
	}
	return nil
}

func (t *pollingTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := t.post(ctx, Packet{Type: PacketClose})
	t.cancel()
	return err
}
