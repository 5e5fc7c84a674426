// Command quickmatch-demo runs the stub matchmaking backend locally and
// drives two clients through a full session: connect, find a lobby, join,
// publish host info, leave, disconnect. Events are logged as they arrive.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	quickmatch "github.com/quickmatch/quickmatch-go"
	"github.com/quickmatch/quickmatch-go/internal/stubserver"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	addr := envOr("QUICKMATCH_ADDR", "127.0.0.1:8080")
	apiKey := envOr("QUICKMATCH_API_KEY", "dev-key")

	stub := stubserver.New(stubserver.Config{
		APIKey: apiKey,
		Configs: []quickmatch.MatchmakingConfig{
			{ID: "duel", Name: "Duel", MaxPlayers: 2, CreateMode: quickmatch.CreateAutoMatch},
			{ID: "skirmish", Name: "Skirmish", MaxPlayers: 8, CreateMode: quickmatch.CreateAutoMatch},
		},
		Logger: log.Named("backend"),
	})
	server := &http.Server{Addr: addr, Handler: stub.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("backend listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
			defer stop()
			_ = server.Shutdown(shutdownCtx)
		}()
		// Give the listener a moment to come up.
		time.Sleep(200 * time.Millisecond)
		return runDemo(ctx, log, "ws://"+addr+"/socket", apiKey)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("demo failed", zap.Error(err))
	}
	log.Info("demo complete")
}

func runDemo(ctx context.Context, log *zap.Logger, url, apiKey string) error {
	alice := newPlayer(ctx, log, url, apiKey, "alice")
	bob := newPlayer(ctx, log, url, apiKey, "bob")

	if _, err := alice.Connect(ctx); err != nil {
		return err
	}
	lobby, err := alice.FindLobby(ctx, "duel")
	if err != nil {
		return err
	}
	if _, err := alice.JoinLobby(ctx, lobby.ID); err != nil {
		return err
	}
	if err := alice.SetHostInfo(ctx, quickmatch.HostInfo{
		Type:    quickmatch.HostPeerToPeer,
		Address: "127.0.0.1",
		Port:    7777,
	}); err != nil {
		return err
	}

	if _, err := bob.Connect(ctx); err != nil {
		return err
	}
	if _, err := bob.JoinLobby(ctx, lobby.ID); err != nil {
		return err
	}

	// Let the update pushes land before winding down.
	time.Sleep(300 * time.Millisecond)

	if err := bob.LeaveLobby(ctx); err != nil {
		return err
	}
	if err := alice.LeaveLobby(ctx); err != nil {
		return err
	}
	if err := alice.Disconnect(ctx); err != nil {
		return err
	}
	return bob.Disconnect(ctx)
}

func newPlayer(ctx context.Context, log *zap.Logger, url, apiKey, slug string) *quickmatch.Client {
	c := quickmatch.New(ctx, quickmatch.Config{
		URL:        url,
		Credential: apiKey,
		PlayerSlug: slug,
		IPAddress:  "127.0.0.1",
		Logger:     log.Named(slug),
	})
	go logEvents(ctx, log.Named(slug), c.Events())
	return c
}

func logEvents(ctx context.Context, log *zap.Logger, events <-chan quickmatch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case quickmatch.EvtPlayerJoined, quickmatch.EvtPlayerLeft:
				log.Info(string(ev.Type), zap.String("player", ev.Player.Slug))
			case quickmatch.EvtStatusChanged:
				log.Info(string(ev.Type), zap.String("status", string(ev.Status)))
			case quickmatch.EvtError, quickmatch.EvtSocketError:
				log.Warn(string(ev.Type), zap.Error(ev.Err))
			default:
				log.Info(string(ev.Type))
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
