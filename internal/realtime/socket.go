package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/quickmatch/quickmatch-go/pkg/wire"
)

// ErrSocketClosed resolves every request still pending when the socket goes
// away, whichever side closed it.
var ErrSocketClosed = errors.New("realtime: socket closed")

// ServerError is an error acknowledgement, carrying the server's reason.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string { return e.Reason }

type Config struct {
	// URL of the websocket endpoint (ws:// or wss://).
	URL string
	// Token is the bearer credential. Sent as an Authorization header by
	// default; set TokenInQuery for browser-style transports that can only
	// attach it as a query parameter. The two are functionally equivalent.
	Token        string
	TokenInQuery bool

	Logger *zap.Logger
	// OnError fires once when the socket dies abnormally, before OnClose.
	OnError func(error)
	// OnClose fires once when the socket is gone, however that happened.
	OnClose func()
}

// Socket is one logical connection multiplexing topic channels. Requests get
// a monotonically increasing ref and block until the matching reply frame,
// ctx cancellation, or socket close. There is no local timeout and no
// reconnect.
type Socket struct {
	conn    *websocket.Conn
	log     *zap.Logger
	onError func(error)
	onClose func()
	done    chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	nextRef  uint64
	pending  map[string]chan wire.Reply
	channels map[string]*Channel
}

func Dial(ctx context.Context, cfg Config) (*Socket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}

	opts := &websocket.DialOptions{}
	if cfg.Token != "" {
		if cfg.TokenInQuery {
			q := u.Query()
			q.Set("token", cfg.Token)
			u.RawQuery = q.Encode()
		} else {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
		}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", cfg.URL, err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Socket{
		conn:     conn,
		log:      log,
		onError:  cfg.OnError,
		onClose:  cfg.OnClose,
		done:     make(chan struct{}),
		pending:  make(map[string]chan wire.Reply),
		channels: make(map[string]*Channel),
	}
	go s.readLoop()
	return s, nil
}

// Channel returns the channel for topic, creating it unjoined if needed.
func (s *Socket) Channel(topic string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[topic]; ok {
		return c
	}
	c := &Channel{
		sock:     s,
		topic:    topic,
		handlers: make(map[string][]func(json.RawMessage)),
	}
	s.channels[topic] = c
	return c
}

// Close tears the connection down. Pending requests fail with
// ErrSocketClosed; OnClose fires, OnError does not.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.conn.Close(websocket.StatusNormalClosure, "bye")
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.fail(err)
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.dispatch(f)
	}
}

func (s *Socket) dispatch(f wire.Frame) {
	if f.Event == wire.EvtReply {
		s.mu.Lock()
		ch := s.pending[f.Ref]
		delete(s.pending, f.Ref)
		s.mu.Unlock()
		if ch == nil {
			s.log.Debug("reply with no waiter", zap.String("ref", f.Ref))
			return
		}
		var rep wire.Reply
		if err := json.Unmarshal(f.Payload, &rep); err != nil {
			rep = wire.Reply{Status: wire.StatusError}
		}
		ch <- rep
		return
	}

	s.mu.Lock()
	c := s.channels[f.Topic]
	s.mu.Unlock()
	if c == nil {
		s.log.Debug("push for unknown topic", zap.String("topic", f.Topic), zap.String("event", f.Event))
		return
	}
	c.deliver(f.Event, f.Payload)
}

// fail handles the read loop dying. Pending requests are released via done
// before any callback runs, so a caller blocked in request never waits on a
// callback's progress.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.closed {
		// Local Close already ran the teardown.
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		// Clean remote close, not an error.
	default:
		s.log.Warn("socket read failed", zap.Error(err))
		if s.onError != nil {
			s.onError(err)
		}
	}
	if s.onClose != nil {
		s.onClose()
	}
}

// request sends one frame and blocks for its acknowledgement. Returns the
// ref it used so Join can keep it as the channel's join ref.
func (s *Socket) request(ctx context.Context, topic, event, joinRef string, payload any) (json.RawMessage, string, error) {
	body := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("realtime: encode %s payload: %w", event, err)
		}
		body = b
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, "", ErrSocketClosed
	}
	s.nextRef++
	ref := strconv.FormatUint(s.nextRef, 10)
	reply := make(chan wire.Reply, 1)
	s.pending[ref] = reply
	s.mu.Unlock()

	frame := wire.Frame{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: body}
	if err := s.write(ctx, frame); err != nil {
		s.dropPending(ref)
		return nil, "", err
	}

	select {
	case rep := <-reply:
		return decodeReply(rep, ref)
	case <-s.done:
		// The reply may have raced the close; prefer it if it's there.
		select {
		case rep := <-reply:
			return decodeReply(rep, ref)
		default:
			return nil, "", ErrSocketClosed
		}
	case <-ctx.Done():
		s.dropPending(ref)
		return nil, "", ctx.Err()
	}
}

func decodeReply(rep wire.Reply, ref string) (json.RawMessage, string, error) {
	if rep.Status != wire.StatusOK {
		return nil, "", &ServerError{Reason: reasonOf(rep.Response)}
	}
	return rep.Response, ref, nil
}

func reasonOf(raw json.RawMessage) string {
	var e wire.ErrorReason
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &e)
	}
	if e.Reason == "" {
		return "Unknown error"
	}
	return e.Reason
}

func (s *Socket) dropPending(ref string) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}

func (s *Socket) removeChannel(topic string) {
	s.mu.Lock()
	delete(s.channels, topic)
	s.mu.Unlock()
}

func (s *Socket) write(ctx context.Context, f wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("realtime: encode frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
