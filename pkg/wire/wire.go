package wire

import (
	"encoding/json"
	"fmt"
)

// Channel lifecycle events. Every request frame carries a ref; the server
// acknowledges it with an EvtReply frame reusing the same ref. A channel's
// join ref is echoed as join_ref on every later frame for that channel.
const (
	EvtJoin  = "phx_join"
	EvtLeave = "phx_leave"
	EvtReply = "phx_reply"
	EvtClose = "phx_close"
)

// Matchmaking requests and pushes.
const (
	EvtFindLobby   = "find_lobby"
	EvtSetHost     = "set_host"
	EvtLeaveLobby  = "leave"
	EvtLobbyUpdate = "lobby_update"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TopicApp is the control channel joined right after the socket opens.
const TopicApp = "app:auth"

// LobbyTopic returns the per-lobby channel topic.
func LobbyTopic(lobbyID string) string {
	return fmt.Sprintf("lobby:%s", lobbyID)
}

// Frame is the envelope every message travels in, both directions.
type Frame struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the payload of an EvtReply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorReason is the response body of an error reply.
type ErrorReason struct {
	Reason string `json:"reason,omitempty"`
}

// JoinApp is the payload for joining TopicApp.
type JoinApp struct {
	PlayerSlug string `json:"player_slug"`
	IPAddress  string `json:"ip_address"`
}

// FindLobby requests a lobby for one matchmaking config over the app channel.
type FindLobby struct {
	ConfigID string `json:"config_id"`
}

// JoinLobby is the payload for joining a lobby topic.
type JoinLobby struct {
	SessionToken string `json:"session_token"`
}

// SetHost publishes the host's connection info to the joined lobby.
type SetHost struct {
	HostType     string `json:"host_type"`
	HostAddress  string `json:"host_address"`
	HostPort     int    `json:"host_port"`
	SessionToken string `json:"session_token"`
}

// LeaveLobby removes the session's player from the lobby roster. Distinct
// from EvtLeave, which only tears down the channel subscription.
type LeaveLobby struct {
	LobbyID      string `json:"lobby_id"`
	SessionToken string `json:"session_token"`
}
