package quickmatch

type EventType string

const (
	EvtConnected     EventType = "connected"
	EvtLobbyFound    EventType = "lobbyFound"
	EvtLobbyJoined   EventType = "lobbyJoined"
	EvtHostInfoSet   EventType = "hostInfoSet"
	EvtLobbyLeft     EventType = "lobbyLeft"
	EvtPlayerJoined  EventType = "playerJoined"
	EvtPlayerLeft    EventType = "playerLeft"
	EvtStatusChanged EventType = "statusChanged"
	EvtHostChanged   EventType = "hostChanged"
	EvtLobbyUpdate   EventType = "lobbyUpdate"
	EvtError         EventType = "error"
	EvtSocketError   EventType = "socketError"
	EvtSocketClosed  EventType = "socketClosed"
)

// Event is the flat union delivered on Client.Events(). Type decides which
// of the payload fields are set:
//
//	EvtConnected                  Configs
//	EvtLobbyFound, EvtLobbyJoined Lobby
//	EvtHostInfoSet                Host
//	EvtLobbyLeft                  LobbyID
//	EvtPlayerJoined, EvtPlayerLeft Player, Lobby
//	EvtStatusChanged              Status, Lobby
//	EvtHostChanged                Host, Lobby
//	EvtLobbyUpdate                Lobby
//	EvtError, EvtSocketError      Err
//	EvtSocketClosed               (none)
type Event struct {
	Type    EventType
	Configs []MatchmakingConfig
	Lobby   *Lobby
	Player  *Player
	Status  LobbyStatus
	Host    *HostInfo
	LobbyID string
	Err     error
}
