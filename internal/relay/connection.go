package relay

import (
	"context"
	"sync"

	"github.com/loqalabs/cursor-bridge/internal/socketio"
)

// connection is one generation of the backend socket. The dial and the
// client's lifetime both run in a goroutine owned by the connection; close
// cancels it and waits, after which no handler from this generation runs.
type connection struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}

	mu     sync.Mutex
	client *socketio.Client
}

func newConnection(gen uint64) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{gen: gen, ctx: ctx, cancel: cancel, done: make(chan struct{}), ready: make(chan struct{})}
}

func (c *connection) start(base string, opts socketio.Options, dispatch func(uint64, socketio.Event), failed func(uint64, error)) {
	go func() {
		defer close(c.done)
		// Events can arrive before Dial returns; hold them until emit works.
		client, err := socketio.Dial(c.ctx, base, opts, func(ev socketio.Event) {
			select {
			case <-c.ready:
			case <-c.ctx.Done():
				return
			}
			dispatch(c.gen, ev)
		})
		if err != nil {
			failed(c.gen, err)
			return
		}
		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
		close(c.ready)

		<-c.ctx.Done()
		_ = client.Close()
	}()
}

func (c *connection) close() {
	c.cancel()
	<-c.done
}

func (c *connection) emit(name string, payload any) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return socketio.ErrNotConnected
	}
	return client.Emit(name, payload)
}

func (c *connection) transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return ""
	}
	return c.client.Transport()
}
