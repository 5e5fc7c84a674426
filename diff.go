package quickmatch

// diffLobby derives semantic events from two consecutive lobby snapshots.
// The order is fixed: joined players (in next order), left players (in prev
// order), status change, host change, then the unconditional generic update.
// Consumers rely on join-before-leave when both occur in one push (e.g. a
// lobby reset), so the order must not change.
func diffLobby(prev *Lobby, next *Lobby) []Event {
	events := make([]Event, 0, 4)

	if prev != nil {
		inPrev := make(map[string]struct{}, len(prev.Players))
		for _, p := range prev.Players {
			inPrev[p.ID] = struct{}{}
		}
		inNext := make(map[string]struct{}, len(next.Players))
		for _, p := range next.Players {
			inNext[p.ID] = struct{}{}
		}

		for i := range next.Players {
			if _, ok := inPrev[next.Players[i].ID]; !ok {
				p := next.Players[i]
				events = append(events, Event{Type: EvtPlayerJoined, Player: &p, Lobby: next})
			}
		}
		for i := range prev.Players {
			if _, ok := inNext[prev.Players[i].ID]; !ok {
				p := prev.Players[i]
				events = append(events, Event{Type: EvtPlayerLeft, Player: &p, Lobby: next})
			}
		}

		if next.Status != prev.Status {
			events = append(events, Event{Type: EvtStatusChanged, Status: next.Status, Lobby: next})
		}
		if hostChanged(prev.Host, next.Host) {
			events = append(events, Event{Type: EvtHostChanged, Host: next.Host, Lobby: next})
		}
	}

	events = append(events, Event{Type: EvtLobbyUpdate, Lobby: next})
	return events
}

// hostChanged compares each field independently; an absent descriptor counts
// as distinct from any present one.
func hostChanged(prev, next *HostInfo) bool {
	if prev == nil && next == nil {
		return false
	}
	if prev == nil || next == nil {
		return true
	}
	return prev.Type != next.Type || prev.Address != next.Address || prev.Port != next.Port
}
