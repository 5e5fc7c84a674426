package quickmatch

import "time"

type LobbyStatus string

const (
	StatusPending   LobbyStatus = "pending"
	StatusOpen      LobbyStatus = "open"
	StatusFull      LobbyStatus = "full"
	StatusCancelled LobbyStatus = "cancelled"
	StatusStarted   LobbyStatus = "started"
	StatusFinished  LobbyStatus = "finished"
)

type CreateMode string

const (
	CreateAutoMatch     CreateMode = "auto_match"
	CreatePlayerCreated CreateMode = "player_created"
)

type HostType string

const (
	HostPeerToPeer HostType = "p2p"
	HostDedicated  HostType = "dedicated"
)

// MatchmakingConfig is a server-defined matchmaking mode. The list of active
// configs arrives on connect and never changes for the session.
type MatchmakingConfig struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	MaxPlayers int        `json:"max_players"`
	CreateMode CreateMode `json:"create_mode"`
}

type Player struct {
	ID       string    `json:"id"`
	Slug     string    `json:"slug"`
	JoinedAt time.Time `json:"joined_at"`
}

// HostInfo is the connection descriptor players use to reach the actual game
// session once a host has published one.
type HostInfo struct {
	Type    HostType `json:"type"`
	Address string   `json:"address"`
	Port    int      `json:"port"`
}

// Lobby is a full server-pushed snapshot. The client never mutates one in
// place; it replaces its cached snapshot wholesale and diffs against the
// previous one.
type Lobby struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     LobbyStatus    `json:"status"`
	MaxPlayers int            `json:"max_players"`
	Host       *HostInfo      `json:"host,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Players    []Player       `json:"players"`
	CreatedAt  time.Time      `json:"created_at"`
}

func cloneLobby(l *Lobby) *Lobby {
	if l == nil {
		return nil
	}
	out := *l
	if l.Host != nil {
		h := *l.Host
		out.Host = &h
	}
	out.Players = make([]Player, len(l.Players))
	copy(out.Players, l.Players)
	if l.Metadata != nil {
		out.Metadata = make(map[string]any, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// sessionGrant is the app-channel join response.
type sessionGrant struct {
	SessionToken  string              `json:"session_token"`
	ActiveConfigs []MatchmakingConfig `json:"active_configs"`
}
