// Package stubserver is an in-process matchmaking backend speaking the same
// wire protocol as the hosted service. It backs the end-to-end tests and the
// demo binary; it is not a production server.
package stubserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	quickmatch "github.com/quickmatch/quickmatch-go"
	"github.com/quickmatch/quickmatch-go/pkg/wire"
)

type Config struct {
	// APIKey is the bearer credential every socket must present.
	APIKey  string
	Configs []quickmatch.MatchmakingConfig
	Logger  *zap.Logger
}

type Server struct {
	log     *zap.Logger
	apiKey  string
	configs []quickmatch.MatchmakingConfig

	mu      sync.Mutex
	lobbies map[string]*lobbyEntry
}

type lobbyEntry struct {
	lobby    quickmatch.Lobby
	configID string
	members  map[*conn]struct{}
}

// snapshotLocked copies the lobby so marshalling can happen outside the lock
// without sharing the roster's backing array. Callers hold Server.mu.
func (e *lobbyEntry) snapshotLocked() quickmatch.Lobby {
	out := e.lobby
	out.Players = make([]quickmatch.Player, len(e.lobby.Players))
	copy(out.Players, e.lobby.Players)
	if e.lobby.Host != nil {
		h := *e.lobby.Host
		out.Host = &h
	}
	return out
}

// conn is one websocket. Session fields are only touched from the conn's own
// read goroutine; the registry is guarded by Server.mu.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	cred    string
	token   string
	player  quickmatch.Player
	lobbyID string
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:     log,
		apiKey:  cfg.APIKey,
		configs: cfg.Configs,
		lobbies: make(map[string]*lobbyEntry),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/socket", s.handleSocket)
	return r
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	// Credential arrives either as a bearer header or a ?token= query
	// parameter; both are accepted everywhere.
	cred := r.URL.Query().Get("token")
	if cred == "" {
		cred = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, cred: cred}
	defer func() {
		s.dropConn(c)
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("bad frame", zap.Error(err))
			continue
		}
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *conn, f wire.Frame) {
	switch {
	case f.Topic == wire.TopicApp && f.Event == wire.EvtJoin:
		s.handleAppJoin(c, f)
	case f.Topic == wire.TopicApp && f.Event == wire.EvtFindLobby:
		s.handleFindLobby(c, f)
	case strings.HasPrefix(f.Topic, "lobby:"):
		s.handleLobbyFrame(c, f, strings.TrimPrefix(f.Topic, "lobby:"))
	default:
		s.replyError(c, f, "unknown topic")
	}
}

type grant struct {
	SessionToken  string                         `json:"session_token"`
	ActiveConfigs []quickmatch.MatchmakingConfig `json:"active_configs"`
}

func (s *Server) handleAppJoin(c *conn, f wire.Frame) {
	if c.cred != s.apiKey {
		s.replyError(c, f, "invalid credentials")
		return
	}
	var join wire.JoinApp
	if err := json.Unmarshal(f.Payload, &join); err != nil || join.PlayerSlug == "" {
		s.replyError(c, f, "invalid join payload")
		return
	}

	c.token = uuid.NewString()
	c.player = quickmatch.Player{
		ID:       uuid.NewString(),
		Slug:     join.PlayerSlug,
		JoinedAt: time.Now().UTC(),
	}
	s.replyOK(c, f, grant{SessionToken: c.token, ActiveConfigs: s.configs})
}

func (s *Server) handleFindLobby(c *conn, f wire.Frame) {
	if c.token == "" {
		s.replyError(c, f, "invalid session")
		return
	}
	var req wire.FindLobby
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		s.replyError(c, f, "invalid payload")
		return
	}

	var cfg *quickmatch.MatchmakingConfig
	for i := range s.configs {
		if s.configs[i].ID == req.ConfigID {
			cfg = &s.configs[i]
			break
		}
	}
	if cfg == nil {
		s.replyError(c, f, "unknown config")
		return
	}

	s.mu.Lock()
	var entry *lobbyEntry
	if cfg.CreateMode == quickmatch.CreateAutoMatch {
		// Reuse an open lobby with a free slot before creating a new one.
		for _, e := range s.lobbies {
			if e.configID == cfg.ID && e.lobby.Status == quickmatch.StatusOpen &&
				len(e.lobby.Players) < e.lobby.MaxPlayers {
				entry = e
				break
			}
		}
	}
	if entry == nil {
		id := uuid.NewString()
		entry = &lobbyEntry{
			configID: cfg.ID,
			members:  make(map[*conn]struct{}),
			lobby: quickmatch.Lobby{
				ID:         id,
				Name:       cfg.Name,
				Status:     quickmatch.StatusOpen,
				MaxPlayers: cfg.MaxPlayers,
				Metadata:   map[string]any{"config_id": cfg.ID},
				Players:    []quickmatch.Player{},
				CreatedAt:  time.Now().UTC(),
			},
		}
		s.lobbies[entry.lobby.ID] = entry
	}
	lobby := entry.snapshotLocked()
	s.mu.Unlock()

	s.replyOK(c, f, lobby)
}

func (s *Server) handleLobbyFrame(c *conn, f wire.Frame, lobbyID string) {
	switch f.Event {
	case wire.EvtJoin:
		var req wire.JoinLobby
		if err := json.Unmarshal(f.Payload, &req); err != nil || req.SessionToken == "" || req.SessionToken != c.token {
			s.replyError(c, f, "invalid session")
			return
		}

		s.mu.Lock()
		entry := s.lobbies[lobbyID]
		if entry == nil {
			s.mu.Unlock()
			s.replyError(c, f, "lobby not found")
			return
		}
		if len(entry.lobby.Players) >= entry.lobby.MaxPlayers {
			s.mu.Unlock()
			s.replyError(c, f, "lobby full")
			return
		}
		entry.lobby.Players = append(entry.lobby.Players, c.player)
		if len(entry.lobby.Players) == entry.lobby.MaxPlayers {
			entry.lobby.Status = quickmatch.StatusFull
		}
		entry.members[c] = struct{}{}
		c.lobbyID = lobbyID
		lobby := entry.snapshotLocked()
		s.mu.Unlock()

		s.replyOK(c, f, lobby)
		s.broadcast(lobbyID)

	case wire.EvtSetHost:
		var req wire.SetHost
		if err := json.Unmarshal(f.Payload, &req); err != nil || req.SessionToken != c.token {
			s.replyError(c, f, "invalid session")
			return
		}
		s.mu.Lock()
		entry := s.lobbies[lobbyID]
		if entry == nil || c.lobbyID != lobbyID {
			s.mu.Unlock()
			s.replyError(c, f, "not in lobby")
			return
		}
		entry.lobby.Host = &quickmatch.HostInfo{
			Type:    quickmatch.HostType(req.HostType),
			Address: req.HostAddress,
			Port:    req.HostPort,
		}
		s.mu.Unlock()

		s.replyOK(c, f, struct{}{})
		s.broadcast(lobbyID)

	case wire.EvtLeaveLobby:
		var req wire.LeaveLobby
		if err := json.Unmarshal(f.Payload, &req); err != nil || req.SessionToken != c.token {
			s.replyError(c, f, "invalid session")
			return
		}
		s.removeFromLobby(c, lobbyID)
		s.replyOK(c, f, struct{}{})
		s.broadcast(lobbyID)

	case wire.EvtLeave:
		// Channel teardown only; the roster was handled by the leave op or
		// will be by dropConn.
		s.mu.Lock()
		if entry := s.lobbies[lobbyID]; entry != nil {
			delete(entry.members, c)
		}
		s.mu.Unlock()
		s.replyOK(c, f, struct{}{})

	default:
		s.replyError(c, f, "unknown event")
	}
}

func (s *Server) removeFromLobby(c *conn, lobbyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lobbies[lobbyID]
	if entry == nil {
		return
	}
	players := make([]quickmatch.Player, 0, len(entry.lobby.Players))
	for _, p := range entry.lobby.Players {
		if p.ID != c.player.ID {
			players = append(players, p)
		}
	}
	entry.lobby.Players = players
	if entry.lobby.Status == quickmatch.StatusFull {
		entry.lobby.Status = quickmatch.StatusOpen
	}
	delete(entry.members, c)
	c.lobbyID = ""
}

func (s *Server) dropConn(c *conn) {
	if c.lobbyID == "" {
		return
	}
	id := c.lobbyID
	s.removeFromLobby(c, id)
	s.broadcast(id)
}

// UpdateLobby mutates a lobby under the registry lock and pushes the new
// snapshot to every member. Test hook for status/host transitions the normal
// flow doesn't produce.
func (s *Server) UpdateLobby(lobbyID string, fn func(*quickmatch.Lobby)) bool {
	s.mu.Lock()
	entry := s.lobbies[lobbyID]
	if entry == nil {
		s.mu.Unlock()
		return false
	}
	fn(&entry.lobby)
	s.mu.Unlock()

	s.broadcast(lobbyID)
	return true
}

func (s *Server) broadcast(lobbyID string) {
	s.mu.Lock()
	entry := s.lobbies[lobbyID]
	if entry == nil {
		s.mu.Unlock()
		return
	}
	lobby := entry.snapshotLocked()
	members := make([]*conn, 0, len(entry.members))
	for m := range entry.members {
		members = append(members, m)
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(lobby)
	frame := wire.Frame{Topic: wire.LobbyTopic(lobbyID), Event: wire.EvtLobbyUpdate, Payload: payload}
	for _, m := range members {
		if err := m.write(frame); err != nil {
			s.log.Warn("broadcast write failed", zap.Error(err))
		}
	}
}

func (s *Server) replyOK(c *conn, f wire.Frame, response any) {
	s.reply(c, f, wire.StatusOK, response)
}

func (s *Server) replyError(c *conn, f wire.Frame, reason string) {
	s.reply(c, f, wire.StatusError, wire.ErrorReason{Reason: reason})
}

func (s *Server) reply(c *conn, f wire.Frame, status string, response any) {
	body, _ := json.Marshal(response)
	payload, _ := json.Marshal(wire.Reply{Status: status, Response: body})
	frame := wire.Frame{
		JoinRef: f.JoinRef,
		Ref:     f.Ref,
		Topic:   f.Topic,
		Event:   wire.EvtReply,
		Payload: payload,
	}
	if err := c.write(frame); err != nil {
		s.log.Warn("reply write failed", zap.Error(err))
	}
}

func (c *conn) write(f wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
