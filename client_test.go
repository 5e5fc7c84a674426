package quickmatch_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	quickmatch "github.com/quickmatch/quickmatch-go"
	"github.com/quickmatch/quickmatch-go/internal/stubserver"
)

const testAPIKey = "test-api-key"

var testConfigs = []quickmatch.MatchmakingConfig{
	{ID: "duel", Name: "Duel", MaxPlayers: 2, CreateMode: quickmatch.CreateAutoMatch},
	{ID: "skirmish", Name: "Skirmish", MaxPlayers: 8, CreateMode: quickmatch.CreateAutoMatch},
	{ID: "custom", Name: "Custom", MaxPlayers: 4, CreateMode: quickmatch.CreatePlayerCreated},
}

func startBackend(t *testing.T) (*stubserver.Server, string) {
	t.Helper()
	srv := stubserver.New(stubserver.Config{APIKey: testAPIKey, Configs: testConfigs})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
}

func newClient(t *testing.T, url, slug string, inQuery bool) *quickmatch.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return quickmatch.New(ctx, quickmatch.Config{
		URL:               url,
		Credential:        testAPIKey,
		CredentialInQuery: inQuery,
		PlayerSlug:        slug,
		IPAddress:         "127.0.0.1",
	})
}

// expectEvent requires the next event on the stream to be of the given type,
// with a timeout so tests never hang.
func expectEvent(t *testing.T, ch <-chan quickmatch.Event, typ quickmatch.EventType) quickmatch.Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, typ, ev.Type, "unexpected event %+v", ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", typ)
		return quickmatch.Event{} // unreachable
	}
}

func expectNoEvent(t *testing.T, ch <-chan quickmatch.Event, within time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no event within %v, got %+v", within, ev)
	case <-time.After(within):
	}
}

// joinFreshLobby walks a client through connect -> find -> join and drains
// the events up to the self-join update echo.
func joinFreshLobby(t *testing.T, c *quickmatch.Client, configID string) string {
	t.Helper()
	ctx := context.Background()

	_, err := c.Connect(ctx)
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	lobby, err := c.FindLobby(ctx, configID)
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtLobbyFound)

	joined, err := c.JoinLobby(ctx, lobby.ID)
	require.NoError(t, err)
	require.Equal(t, lobby.ID, joined.ID)
	expectEvent(t, c.Events(), quickmatch.EvtLobbyJoined)
	expectEvent(t, c.Events(), quickmatch.EvtLobbyUpdate)

	return lobby.ID
}

func joinExistingLobby(t *testing.T, c *quickmatch.Client, lobbyID string) {
	t.Helper()
	ctx := context.Background()

	_, err := c.Connect(ctx)
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	_, err = c.JoinLobby(ctx, lobbyID)
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtLobbyJoined)
	expectEvent(t, c.Events(), quickmatch.EvtLobbyUpdate)
}

func TestClient_ConnectReturnsConfigsAndToken(t *testing.T) {
	_, url := startBackend(t)
	c := newClient(t, url, "alice", false)

	configs, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, len(testConfigs))
	assert.Equal(t, "duel", configs[0].ID)

	ev := expectEvent(t, c.Events(), quickmatch.EvtConnected)
	assert.Equal(t, configs, ev.Configs)
	assert.NotEmpty(t, c.SessionToken())
}

func TestClient_ConnectRejectsBadCredential(t *testing.T) {
	_, url := startBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := quickmatch.New(ctx, quickmatch.Config{
		URL:        url,
		Credential: "wrong",
		PlayerSlug: "mallory",
		IPAddress:  "127.0.0.1",
	})

	_, err := c.Connect(context.Background())
	require.Error(t, err)

	var qErr *quickmatch.Error
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, quickmatch.ErrKindConnection, qErr.Kind)
	assert.Equal(t, "invalid credentials", qErr.Reason)

	ev := expectEvent(t, c.Events(), quickmatch.EvtError)
	assert.Equal(t, err, ev.Err)
	assert.Empty(t, c.SessionToken())
}

func TestClient_FindThenJoin(t *testing.T) {
	_, url := startBackend(t)
	c := newClient(t, url, "alice", false)
	ctx := context.Background()

	_, err := c.Connect(ctx)
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	lobby, err := c.FindLobby(ctx, "skirmish")
	require.NoError(t, err)
	found := expectEvent(t, c.Events(), quickmatch.EvtLobbyFound)
	assert.Equal(t, lobby.ID, found.Lobby.ID)

	joined, err := c.JoinLobby(ctx, lobby.ID)
	require.NoError(t, err)
	ev := expectEvent(t, c.Events(), quickmatch.EvtLobbyJoined)
	assert.Equal(t, lobby.ID, ev.Lobby.ID)
	assert.Equal(t, lobby.ID, joined.ID)
	require.Len(t, joined.Players, 1)
	assert.Equal(t, "alice", joined.Players[0].Slug)
	expectEvent(t, c.Events(), quickmatch.EvtLobbyUpdate)

	current := c.CurrentLobby()
	require.NotNil(t, current)
	assert.Equal(t, lobby.ID, current.ID)
}

func TestClient_SecondPlayerJoinEmitsPlayerJoinedThenUpdate(t *testing.T) {
	_, url := startBackend(t)
	a := newClient(t, url, "alice", false)
	b := newClient(t, url, "bob", true) // query-param credential variant

	lobbyID := joinFreshLobby(t, a, "skirmish")
	joinExistingLobby(t, b, lobbyID)

	joined := expectEvent(t, a.Events(), quickmatch.EvtPlayerJoined)
	assert.Equal(t, "bob", joined.Player.Slug)
	update := expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)
	assert.Len(t, update.Lobby.Players, 2)
}

func TestClient_LobbyFullFlipsStatus(t *testing.T) {
	_, url := startBackend(t)
	a := newClient(t, url, "alice", false)
	b := newClient(t, url, "bob", false)

	lobbyID := joinFreshLobby(t, a, "duel") // max 2

	joinExistingLobby(t, b, lobbyID)

	// Diff order on A: joined player, then status change, then the update.
	joined := expectEvent(t, a.Events(), quickmatch.EvtPlayerJoined)
	assert.Equal(t, "bob", joined.Player.Slug)
	status := expectEvent(t, a.Events(), quickmatch.EvtStatusChanged)
	assert.Equal(t, quickmatch.StatusFull, status.Status)
	expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)

	// A full duel lobby must not be handed out again.
	c := newClient(t, url, "carol", false)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)
	other, err := c.FindLobby(context.Background(), "duel")
	require.NoError(t, err)
	assert.NotEqual(t, lobbyID, other.ID)
}

func TestClient_AutoMatchReusesOpenLobby(t *testing.T) {
	_, url := startBackend(t)
	a := newClient(t, url, "alice", false)
	b := newClient(t, url, "bob", false)

	lobbyID := joinFreshLobby(t, a, "skirmish")

	_, err := b.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, b.Events(), quickmatch.EvtConnected)

	lobby, err := b.FindLobby(context.Background(), "skirmish")
	require.NoError(t, err)
	assert.Equal(t, lobbyID, lobby.ID)
}

func TestClient_SetHostInfoPropagates(t *testing.T) {
	_, url := startBackend(t)
	a := newClient(t, url, "alice", false)
	b := newClient(t, url, "bob", false)

	lobbyID := joinFreshLobby(t, a, "skirmish")
	joinExistingLobby(t, b, lobbyID)
	expectEvent(t, a.Events(), quickmatch.EvtPlayerJoined)
	expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)

	host := quickmatch.HostInfo{Type: quickmatch.HostDedicated, Address: "10.1.2.3", Port: 7777}
	require.NoError(t, a.SetHostInfo(context.Background(), host))

	set := expectEvent(t, a.Events(), quickmatch.EvtHostInfoSet)
	assert.Equal(t, host, *set.Host)
	changed := expectEvent(t, a.Events(), quickmatch.EvtHostChanged)
	assert.Equal(t, host, *changed.Host)
	expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)

	// The other member sees the same transition, minus hostInfoSet.
	changed = expectEvent(t, b.Events(), quickmatch.EvtHostChanged)
	assert.Equal(t, host, *changed.Host)
	expectEvent(t, b.Events(), quickmatch.EvtLobbyUpdate)
}

func TestClient_ServerPushedStatusChange(t *testing.T) {
	srv, url := startBackend(t)
	a := newClient(t, url, "alice", false)

	lobbyID := joinFreshLobby(t, a, "skirmish")

	require.True(t, srv.UpdateLobby(lobbyID, func(l *quickmatch.Lobby) {
		l.Status = quickmatch.StatusStarted
	}))

	ev := expectEvent(t, a.Events(), quickmatch.EvtStatusChanged)
	assert.Equal(t, quickmatch.StatusStarted, ev.Status)
	expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)
}

func TestClient_LeaveClearsStateAndNotifiesOthers(t *testing.T) {
	_, url := startBackend(t)
	a := newClient(t, url, "alice", false)
	b := newClient(t, url, "bob", false)

	lobbyID := joinFreshLobby(t, a, "skirmish")
	joinExistingLobby(t, b, lobbyID)
	expectEvent(t, a.Events(), quickmatch.EvtPlayerJoined)
	expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)

	require.NoError(t, b.LeaveLobby(context.Background()))
	ev := expectEvent(t, b.Events(), quickmatch.EvtLobbyLeft)
	assert.Equal(t, lobbyID, ev.LobbyID)
	assert.Nil(t, b.CurrentLobby())

	left := expectEvent(t, a.Events(), quickmatch.EvtPlayerLeft)
	assert.Equal(t, "bob", left.Player.Slug)
	expectEvent(t, a.Events(), quickmatch.EvtLobbyUpdate)
}

func TestClient_LobbyOpsWithoutConnectFailFast(t *testing.T) {
	// No backend at all: a contract failure must not attempt the network.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := quickmatch.New(ctx, quickmatch.Config{URL: "ws://127.0.0.1:1/socket"})

	err := c.SetHostInfo(context.Background(), quickmatch.HostInfo{Type: quickmatch.HostPeerToPeer})
	require.ErrorIs(t, err, quickmatch.ErrNotConnected)

	var qErr *quickmatch.Error
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, quickmatch.ErrKindConnection, qErr.Kind)
	expectEvent(t, c.Events(), quickmatch.EvtError)

	require.ErrorIs(t, c.LeaveLobby(context.Background()), quickmatch.ErrNotConnected)
	expectEvent(t, c.Events(), quickmatch.EvtError)

	_, err = c.FindLobby(context.Background(), "duel")
	require.ErrorIs(t, err, quickmatch.ErrNotConnected)
	expectEvent(t, c.Events(), quickmatch.EvtError)
}

func TestClient_LobbyOpsWithoutLobbyAreContractErrors(t *testing.T) {
	_, url := startBackend(t)
	c := newClient(t, url, "alice", false)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	err = c.SetHostInfo(context.Background(), quickmatch.HostInfo{Type: quickmatch.HostPeerToPeer})
	require.ErrorIs(t, err, quickmatch.ErrNoLobby)

	var qErr *quickmatch.Error
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, quickmatch.ErrKindContract, qErr.Kind)
	expectEvent(t, c.Events(), quickmatch.EvtError)
}

func TestClient_FindLobbyUnknownConfig(t *testing.T) {
	_, url := startBackend(t)
	c := newClient(t, url, "alice", false)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	_, err = c.FindLobby(context.Background(), "nope")
	require.Error(t, err)

	var qErr *quickmatch.Error
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, quickmatch.ErrKindLobby, qErr.Kind)
	assert.Equal(t, "unknown config", qErr.Reason)

	ev := expectEvent(t, c.Events(), quickmatch.EvtError)
	assert.Equal(t, err, ev.Err)
}

func TestClient_JoinRejections(t *testing.T) {
	_, url := startBackend(t)
	a := newClient(t, url, "alice", false)
	b := newClient(t, url, "bob", false)
	c := newClient(t, url, "carol", false)

	lobbyID := joinFreshLobby(t, a, "duel")
	joinExistingLobby(t, b, lobbyID)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	_, err = c.JoinLobby(context.Background(), lobbyID)
	var qErr *quickmatch.Error
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, quickmatch.ErrKindLobby, qErr.Kind)
	assert.Equal(t, "lobby full", qErr.Reason)
	expectEvent(t, c.Events(), quickmatch.EvtError)

	_, err = c.JoinLobby(context.Background(), "no-such-lobby")
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "lobby not found", qErr.Reason)
}

func TestClient_DisconnectClearsSession(t *testing.T) {
	_, url := startBackend(t)
	c := newClient(t, url, "alice", false)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	require.NoError(t, c.Disconnect(context.Background()))
	expectEvent(t, c.Events(), quickmatch.EvtSocketClosed)
	assert.Empty(t, c.SessionToken())
	assert.Nil(t, c.CurrentLobby())

	// Idempotent.
	require.NoError(t, c.Disconnect(context.Background()))
	expectNoEvent(t, c.Events(), 100*time.Millisecond)
}

func TestClient_ConnectTwiceIsContractError(t *testing.T) {
	_, url := startBackend(t)
	c := newClient(t, url, "alice", false)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	expectEvent(t, c.Events(), quickmatch.EvtConnected)

	_, err = c.Connect(context.Background())
	require.True(t, errors.Is(err, quickmatch.ErrAlreadyConnected))
	expectEvent(t, c.Events(), quickmatch.EvtError)
}
