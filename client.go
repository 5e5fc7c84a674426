// Package quickmatch is a client for a hosted real-time matchmaking backend.
// It joins an authenticated session over a channel-multiplexed websocket,
// requests and joins lobbies, optionally publishes host connection info, and
// re-emits server pushes as local events. All matchmaking logic lives on the
// server; the client only maps requests to acknowledgements and diffs lobby
// snapshots into higher-level notifications.
package quickmatch

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/quickmatch/quickmatch-go/internal/realtime"
	"github.com/quickmatch/quickmatch-go/pkg/wire"
)

type sessionState string

const (
	stateDisconnected sessionState = "disconnected"
	stateConnecting   sessionState = "connecting"
	stateConnected    sessionState = "connected"
	stateFinding      sessionState = "finding_lobby"
	stateLobbyJoined  sessionState = "lobby_joined"
	stateLeaving      sessionState = "leaving_lobby"
)

type Config struct {
	// URL of the backend's websocket endpoint.
	URL string
	// Credential is the bearer credential for the transport. Attached as an
	// Authorization header; set CredentialInQuery to send it as a query
	// parameter instead (browser-style transports).
	Credential        string
	CredentialInQuery bool

	// PlayerSlug and IPAddress identify this player to the app channel.
	PlayerSlug string
	IPAddress  string

	Logger *zap.Logger
	// EventBuffer is the capacity of the Events() channel. Default 64.
	// Events are dropped (with a warning) when the consumer falls behind.
	EventBuffer int
}

// Client is the session facade. All session state lives on a single loop
// goroutine and is only touched there; public methods post typed messages to
// the loop and wait for a reply, so operations never run in parallel on one
// client. At most one operation is in flight at a time; a second call queues
// behind it.
type Client struct {
	cfg    Config
	log    *zap.Logger
	inbox  chan clientMsg
	events chan Event
	done   chan struct{} // closed when the loop exits

	// Loop-owned. Never read or written outside run().
	state   sessionState
	sock    *realtime.Socket
	app     *realtime.Channel
	lobbyCh *realtime.Channel
	token   string
	lobby   *Lobby
}

// Loop messages, one per operation plus transport callbacks.
type clientMsg interface{ isClientMsg() }

type connectReq struct {
	ctx   context.Context
	reply chan connectResult
}
type connectResult struct {
	configs []MatchmakingConfig
	err     error
}

type findLobbyReq struct {
	ctx      context.Context
	configID string
	reply    chan lobbyResult
}

type joinLobbyReq struct {
	ctx     context.Context
	lobbyID string
	reply   chan lobbyResult
}
type lobbyResult struct {
	lobby *Lobby
	err   error
}

type setHostReq struct {
	ctx   context.Context
	host  HostInfo
	reply chan error
}

type leaveLobbyReq struct {
	ctx   context.Context
	reply chan error
}

type disconnectReq struct{ reply chan struct{} }

type lobbyUpdateMsg struct{ lobby Lobby }

type socketErrMsg struct{ err error }

type socketClosedMsg struct{}

type getStateReq struct{ reply chan sessionView }
type sessionView struct {
	state sessionState
	token string
	lobby *Lobby
}

func (connectReq) isClientMsg()      {}
func (findLobbyReq) isClientMsg()    {}
func (joinLobbyReq) isClientMsg()    {}
func (setHostReq) isClientMsg()      {}
func (leaveLobbyReq) isClientMsg()   {}
func (disconnectReq) isClientMsg()   {}
func (lobbyUpdateMsg) isClientMsg()  {}
func (socketErrMsg) isClientMsg()    {}
func (socketClosedMsg) isClientMsg() {}
func (getStateReq) isClientMsg()     {}

// New starts a client. Cancelling ctx stops the loop and tears down any open
// connection; the client is unusable afterwards.
func New(ctx context.Context, cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	c := &Client{
		cfg:    cfg,
		log:    log,
		inbox:  make(chan clientMsg, 64),
		events: make(chan Event, buf),
		done:   make(chan struct{}),
		state:  stateDisconnected,
	}
	go c.run(ctx)
	return c
}

// Events returns the local event stream. One consumer is expected.
func (c *Client) Events() <-chan Event { return c.events }

// Connect opens the transport, joins the app channel and stores the session
// token. Returns the matchmaking configs the server offers.
func (c *Client) Connect(ctx context.Context) ([]MatchmakingConfig, error) {
	reply := make(chan connectResult, 1)
	if err := c.post(ctx, connectReq{ctx: ctx, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.configs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FindLobby asks the backend for a lobby matching the given config.
func (c *Client) FindLobby(ctx context.Context, configID string) (*Lobby, error) {
	reply := make(chan lobbyResult, 1)
	if err := c.post(ctx, findLobbyReq{ctx: ctx, configID: configID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.lobby, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JoinLobby joins the lobby's channel and subscribes to its update pushes.
func (c *Client) JoinLobby(ctx context.Context, lobbyID string) (*Lobby, error) {
	reply := make(chan lobbyResult, 1)
	if err := c.post(ctx, joinLobbyReq{ctx: ctx, lobbyID: lobbyID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.lobby, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetHostInfo publishes host connection info to the joined lobby. Valid only
// while a lobby is joined.
func (c *Client) SetHostInfo(ctx context.Context, host HostInfo) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, setHostReq{ctx: ctx, host: host, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LeaveLobby removes this player from the lobby and drops its channel.
func (c *Client) LeaveLobby(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, leaveLobbyReq{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears down both channels and the transport. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := c.post(ctx, disconnectReq{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentLobby returns a copy of the cached lobby snapshot, or nil.
func (c *Client) CurrentLobby() *Lobby {
	return c.view().lobby
}

// SessionToken returns the session token, or "" when disconnected.
func (c *Client) SessionToken() string {
	return c.view().token
}

func (c *Client) view() sessionView {
	reply := make(chan sessionView, 1)
	if err := c.post(context.Background(), getStateReq{reply: reply}); err != nil {
		return sessionView{state: stateDisconnected}
	}
	select {
	case v := <-reply:
		return v
	case <-c.done:
		return sessionView{state: stateDisconnected}
	}
}

func (c *Client) post(ctx context.Context, msg clientMsg) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync is for transport callbacks. It must never block the socket's
// read goroutine: a blocked reader could not deliver the acknowledgement the
// loop is waiting on.
func (c *Client) postAsync(msg clientMsg) {
	select {
	case c.inbox <- msg:
	default:
		c.log.Warn("client inbox full, dropping transport message")
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return

		case m := <-c.inbox:
			switch msg := m.(type) {
			case connectReq:
				c.handleConnect(msg)
			case findLobbyReq:
				c.handleFindLobby(msg)
			case joinLobbyReq:
				c.handleJoinLobby(msg)
			case setHostReq:
				c.handleSetHost(msg)
			case leaveLobbyReq:
				c.handleLeaveLobby(msg)
			case disconnectReq:
				c.teardown()
				msg.reply <- struct{}{}
			case lobbyUpdateMsg:
				c.handleLobbyUpdate(msg.lobby)
			case socketErrMsg:
				c.emit(Event{Type: EvtSocketError, Err: msg.err})
			case socketClosedMsg:
				c.emit(Event{Type: EvtSocketClosed})
				if c.state != stateDisconnected {
					// Server-initiated close; drop the dead session.
					c.sock = nil
					c.resetSession()
				}
			case getStateReq:
				msg.reply <- sessionView{state: c.state, token: c.token, lobby: cloneLobby(c.lobby)}
			}
		}
	}
}

func (c *Client) handleConnect(msg connectReq) {
	if c.state != stateDisconnected {
		msg.reply <- connectResult{err: c.reject(ErrAlreadyConnected)}
		return
	}
	c.state = stateConnecting

	sock, err := realtime.Dial(msg.ctx, realtime.Config{
		URL:          c.cfg.URL,
		Token:        c.cfg.Credential,
		TokenInQuery: c.cfg.CredentialInQuery,
		Logger:       c.log,
		OnError:      func(err error) { c.postAsync(socketErrMsg{err: err}) },
		OnClose:      func() { c.postAsync(socketClosedMsg{}) },
	})
	if err != nil {
		c.state = stateDisconnected
		msg.reply <- connectResult{err: c.reject(c.wrap(ErrKindConnection, "connect", err))}
		return
	}

	app := sock.Channel(wire.TopicApp)
	resp, err := app.Join(msg.ctx, wire.JoinApp{PlayerSlug: c.cfg.PlayerSlug, IPAddress: c.cfg.IPAddress})
	if err != nil {
		_ = sock.Close()
		c.sock = nil
		c.state = stateDisconnected
		msg.reply <- connectResult{err: c.reject(c.wrap(ErrKindConnection, "connect", err))}
		return
	}

	var grant sessionGrant
	if err := json.Unmarshal(resp, &grant); err != nil {
		_ = sock.Close()
		c.sock = nil
		c.state = stateDisconnected
		msg.reply <- connectResult{err: c.reject(&Error{Kind: ErrKindConnection, Op: "connect", Reason: "malformed session grant"})}
		return
	}

	c.sock = sock
	c.app = app
	c.token = grant.SessionToken
	c.state = stateConnected
	c.log.Info("session established", zap.Int("configs", len(grant.ActiveConfigs)))
	c.emit(Event{Type: EvtConnected, Configs: grant.ActiveConfigs})
	msg.reply <- connectResult{configs: grant.ActiveConfigs}
}

func (c *Client) handleFindLobby(msg findLobbyReq) {
	switch c.state {
	case stateConnected:
	case stateDisconnected, stateConnecting:
		msg.reply <- lobbyResult{err: c.reject(ErrNotConnected)}
		return
	default:
		msg.reply <- lobbyResult{err: c.reject(ErrInLobby)}
		return
	}

	c.state = stateFinding
	resp, err := c.app.Push(msg.ctx, wire.EvtFindLobby, wire.FindLobby{ConfigID: msg.configID})
	c.state = stateConnected
	if err != nil {
		msg.reply <- lobbyResult{err: c.reject(c.wrap(ErrKindLobby, "find_lobby", err))}
		return
	}

	var lobby Lobby
	if err := json.Unmarshal(resp, &lobby); err != nil {
		msg.reply <- lobbyResult{err: c.reject(&Error{Kind: ErrKindLobby, Op: "find_lobby", Reason: "malformed lobby"})}
		return
	}
	c.emit(Event{Type: EvtLobbyFound, Lobby: cloneLobby(&lobby)})
	msg.reply <- lobbyResult{lobby: cloneLobby(&lobby)}
}

func (c *Client) handleJoinLobby(msg joinLobbyReq) {
	switch c.state {
	case stateConnected:
	case stateDisconnected, stateConnecting:
		msg.reply <- lobbyResult{err: c.reject(ErrNotConnected)}
		return
	default:
		msg.reply <- lobbyResult{err: c.reject(ErrInLobby)}
		return
	}

	ch := c.sock.Channel(wire.LobbyTopic(msg.lobbyID))
	// Subscribe before joining so no push can slip past.
	ch.On(wire.EvtLobbyUpdate, func(raw json.RawMessage) {
		var lobby Lobby
		if err := json.Unmarshal(raw, &lobby); err != nil {
			c.log.Warn("dropping undecodable lobby_update", zap.Error(err))
			return
		}
		c.postAsync(lobbyUpdateMsg{lobby: lobby})
	})

	resp, err := ch.Join(msg.ctx, wire.JoinLobby{SessionToken: c.token})
	if err != nil {
		_ = ch.Leave(msg.ctx) // drop the never-joined channel registration
		msg.reply <- lobbyResult{err: c.reject(c.wrap(ErrKindLobby, "join_lobby", err))}
		return
	}

	var lobby Lobby
	if err := json.Unmarshal(resp, &lobby); err != nil {
		_ = ch.Leave(msg.ctx)
		msg.reply <- lobbyResult{err: c.reject(&Error{Kind: ErrKindLobby, Op: "join_lobby", Reason: "malformed lobby"})}
		return
	}
	c.lobbyCh = ch
	c.lobby = cloneLobby(&lobby)
	c.state = stateLobbyJoined
	c.log.Info("lobby joined", zap.String("lobby_id", lobby.ID))
	c.emit(Event{Type: EvtLobbyJoined, Lobby: cloneLobby(&lobby)})
	msg.reply <- lobbyResult{lobby: cloneLobby(&lobby)}
}

func (c *Client) handleSetHost(msg setHostReq) {
	if err := c.requireLobby(); err != nil {
		msg.reply <- c.reject(err)
		return
	}

	_, err := c.lobbyCh.Push(msg.ctx, wire.EvtSetHost, wire.SetHost{
		HostType:     string(msg.host.Type),
		HostAddress:  msg.host.Address,
		HostPort:     msg.host.Port,
		SessionToken: c.token,
	})
	if err != nil {
		msg.reply <- c.reject(c.wrap(ErrKindLobby, "set_host", err))
		return
	}

	host := msg.host
	c.emit(Event{Type: EvtHostInfoSet, Host: &host})
	msg.reply <- nil
}

func (c *Client) handleLeaveLobby(msg leaveLobbyReq) {
	if err := c.requireLobby(); err != nil {
		msg.reply <- c.reject(err)
		return
	}

	lobbyID := c.lobby.ID
	c.state = stateLeaving
	_, err := c.lobbyCh.Push(msg.ctx, wire.EvtLeaveLobby, wire.LeaveLobby{
		LobbyID:      lobbyID,
		SessionToken: c.token,
	})
	if err != nil {
		c.state = stateLobbyJoined
		msg.reply <- c.reject(c.wrap(ErrKindLobby, "leave", err))
		return
	}

	_ = c.lobbyCh.Leave(msg.ctx)
	c.lobbyCh = nil
	c.lobby = nil
	c.state = stateConnected
	c.emit(Event{Type: EvtLobbyLeft, LobbyID: lobbyID})
	msg.reply <- nil
}

// handleLobbyUpdate is the diff engine's entry point: derive semantic events
// against the cached snapshot, then replace it.
func (c *Client) handleLobbyUpdate(next Lobby) {
	if c.state != stateLobbyJoined {
		// Stale push racing a leave or disconnect.
		return
	}
	events := diffLobby(c.lobby, &next)
	c.lobby = cloneLobby(&next)
	for _, ev := range events {
		c.emit(ev)
	}
}

// requireLobby guards lobby-scoped operations: they need both an active
// lobby channel and a session token, and a violation is a caller bug
// reported without touching the network.
func (c *Client) requireLobby() error {
	if c.state == stateDisconnected || c.state == stateConnecting || c.token == "" {
		return ErrNotConnected
	}
	if c.state != stateLobbyJoined || c.lobbyCh == nil {
		return ErrNoLobby
	}
	return nil
}

func (c *Client) teardown() {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.resetSession()
}

func (c *Client) resetSession() {
	c.app = nil
	c.lobbyCh = nil
	c.lobby = nil
	c.token = ""
	c.state = stateDisconnected
}

// wrap turns a transport-level failure into the typed taxonomy, keeping the
// server's reason when the failure was an error acknowledgement. A closed
// socket is a connection error regardless of which operation hit it.
func (c *Client) wrap(kind ErrorKind, op string, err error) *Error {
	if errors.Is(err, realtime.ErrSocketClosed) {
		return &Error{Kind: ErrKindConnection, Op: op, Reason: "socket closed"}
	}
	var srv *realtime.ServerError
	if errors.As(err, &srv) {
		return &Error{Kind: kind, Op: op, Reason: srv.Reason}
	}
	return &Error{Kind: kind, Op: op, Reason: err.Error()}
}

// reject emits the generic error event and hands the same error back for the
// caller's rejection; both paths always fire.
func (c *Client) reject(err error) error {
	c.emit(Event{Type: EvtError, Err: err})
	return err
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Consumer is slow/full - drop the event rather than stall the loop.
		c.log.Warn("event buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
}
