package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/quickmatch/quickmatch-go/pkg/wire"
)

var ErrNotJoined = errors.New("realtime: channel not joined")

// Channel is one topic multiplexed over a Socket. Join it once, then Push
// requests and register On handlers for server pushes.
type Channel struct {
	sock  *Socket
	topic string

	mu       sync.Mutex
	joined   bool
	joinRef  string
	handlers map[string][]func(json.RawMessage)
}

func (c *Channel) Topic() string { return c.topic }

// Join subscribes to the topic and returns the server's join response.
func (c *Channel) Join(ctx context.Context, payload any) (json.RawMessage, error) {
	resp, ref, err := c.sock.request(ctx, c.topic, wire.EvtJoin, "", payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.joined = true
	c.joinRef = ref
	c.mu.Unlock()
	return resp, nil
}

// Push sends a request on the joined channel and blocks for its reply.
func (c *Channel) Push(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	joined, joinRef := c.joined, c.joinRef
	c.mu.Unlock()
	if !joined {
		return nil, ErrNotJoined
	}
	resp, _, err := c.sock.request(ctx, c.topic, event, joinRef, payload)
	return resp, err
}

// Leave tears down the subscription. The channel is unregistered from the
// socket even when the leave request itself fails.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	joined, joinRef := c.joined, c.joinRef
	c.joined = false
	c.mu.Unlock()

	c.sock.removeChannel(c.topic)
	if !joined {
		return nil
	}
	_, _, err := c.sock.request(ctx, c.topic, wire.EvtLeave, joinRef, nil)
	return err
}

// On registers a handler for a server push event. Handlers run on the
// socket's read goroutine and must not block.
func (c *Channel) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *Channel) deliver(event string, payload json.RawMessage) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), len(c.handlers[event]))
	copy(fns, c.handlers[event])
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}
