// Command trpgweb is a terminal client for the TRPG web backend.
// It:
//   - Loads configuration and initializes structured logging.
//   - Restores the persisted session (file, Postgres or memory) and logs in
//     with LOGIN_USERNAME/LOGIN_PASSWORD when no session is held.
//   - Enters ROOM_ID: loads chat history, then streams live messages, and
//     sends each stdin line as a chat message.
//   - Optionally renews the access token ahead of expiry and exposes
//     /healthz, /readyz, /status and /metrics on DIAG_ADDR.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/seji7/trpgweb/api"
	"github.com/seji7/trpgweb/chat"
	"github.com/seji7/trpgweb/config"
	"github.com/seji7/trpgweb/crypto"
	"github.com/seji7/trpgweb/db"
	"github.com/seji7/trpgweb/server"
	"github.com/seji7/trpgweb/session"
	"github.com/seji7/trpgweb/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(telemetry.TracingFromEnv("trpgweb", "1.0.0", cfg.SessionProfile))
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func setupLogger(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	// Chat output owns stdout; logs go to stderr.
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		sealer = s
		slog.Info("session encryption enabled", slog.String("key_id", s.KeyID()))
	}

	var (
		persister session.Persister
		pinger    server.Pinger
	)
	switch cfg.SessionStore {
	case config.StoreFile:
		persister = &session.FilePersister{Path: cfg.SessionFile, Profile: cfg.SessionProfile, Sealer: sealer}
	case config.StorePostgres:
		database, err := db.Connect(cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		p := &db.SessionPersister{DB: database, Profile: cfg.SessionProfile, Sealer: sealer}
		persister, pinger = p, p
	}

	store := session.NewStore(persister)
	if err := store.Init(ctx); err != nil {
		slog.Warn("stored session unreadable, starting logged out", slog.Any("err", err))
	}

	client, err := api.NewClient(api.Options{
		BaseURL:      cfg.APIBaseURL,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		RenewTimeout: cfg.RenewTimeout,
		OnSessionEnded: func(cause error) {
			fmt.Fprintln(os.Stdout, "*** Your session has expired. Please log in again.")
			slog.Warn("session ended", slog.Any("cause", cause))
		},
	}, store)
	if err != nil {
		return err
	}

	if !store.Authenticated() {
		if err := cfg.ValidateLoginReady(); err != nil {
			return fmt.Errorf("no stored session and %w", err)
		}
		if err := client.Login(ctx, api.LoginRequest{Username: cfg.LoginUsername, Password: cfg.LoginPassword}); err != nil {
			return err
		}
	}

	stream, err := chat.NewStreamClient(chat.StreamOptions{
		BaseURL:       cfg.WSBaseURL,
		TokenSource:   store,
		Renew:         client.Renew,
		MaxFrameBytes: cfg.ChatMaxFrameBytes,
	})
	if err != nil {
		return err
	}
	if me, err := client.Me(ctx); err != nil {
		slog.Warn("member lookup failed, sending anonymously", slog.Any("err", err))
	} else {
		stream.SetIdentity(chat.Identity{ID: me.MID, DisplayName: me.DisplayName()})
	}

	room := chat.NewRoomChat(
		chat.NewHistoryLoader(client, cfg.HistoryPageSize, cfg.HistoryMaxPages),
		stream,
		chat.RoomOptions{OnMessage: printMessage, OnEvent: printEvent},
	)
	defer func() {
		if err := room.Close(); err != nil {
			slog.Debug("room close", slog.Any("err", err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.DiagAddr != "" {
		mux := server.NewMux(server.Deps{Session: store, Persister: pinger, Status: room.Status, Token: cfg.DiagToken})
		g.Go(func() error { return server.Start(gctx, cfg.DiagAddr, mux) })
	}
	if cfg.ProactiveRefresh {
		session.StartRefresher(gctx, store, cfg.RefreshInterval, cfg.RefreshWindow, client.Renew)
	}

	if cfg.RoomID > 0 {
		if err := room.Enter(ctx, cfg.RoomID); err != nil {
			slog.Error("enter room failed", slog.Int64("room_id", cfg.RoomID), slog.Any("err", err))
		}
	} else {
		fmt.Fprintln(os.Stdout, "*** No ROOM_ID set. Use /rooms and /join <id>.")
	}

	g.Go(func() error { return readInput(gctx, client, room) })
	return g.Wait()
}

// readInput sends stdin lines to the room and handles slash commands.
// It returns context.Canceled on /quit so the errgroup shuts everything down.
func readInput(ctx context.Context, client *api.Client, room *chat.RoomChat) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			return context.Canceled
		case "/logout":
			if err := client.Logout(ctx); err != nil {
				slog.Warn("logout", slog.Any("err", err))
			}
			return context.Canceled
		case "/reconnect":
			err = room.Reconnect(ctx)
		case "/leave":
			err = room.Leave()
		case "/status":
			st := room.Status()
			fmt.Fprintf(os.Stdout, "*** room=%d stream=%s messages=%d\n", st.RoomID, st.Stream, st.Messages)
		case "/join":
			id, perr := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if perr != nil || id <= 0 {
				fmt.Fprintln(os.Stdout, "*** usage: /join <room id>")
				continue
			}
			err = room.Enter(ctx, id)
		case "/rooms":
			err = listRooms(ctx, client)
		case "/create":
			title := strings.TrimSpace(arg)
			if title == "" {
				fmt.Fprintln(os.Stdout, "*** usage: /create <title>")
				continue
			}
			var r api.RoomResponse
			if r, err = client.CreateRoom(ctx, api.CreateRoomRequest{Title: title}); err == nil {
				fmt.Fprintf(os.Stdout, "*** created room #%d; /join %d\n", r.RNO, r.RNO)
			}
		default:
			err = room.Send(ctx, line)
		}
		if err != nil {
			fmt.Fprintf(os.Stdout, "*** %s\n", describe(err))
		}
	}
}

func listRooms(ctx context.Context, client *api.Client) error {
	page, err := client.ListRooms(ctx, 0, 20)
	if err != nil {
		return err
	}
	for _, r := range page.Content {
		fmt.Fprintf(os.Stdout, "  #%d %s (owner %s)\n", r.RNO, r.Title, r.OwnerNickname)
	}
	return nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotOpen):
		return "not connected; use /reconnect"
	case api.Classify(err) == api.SeveritySessionEnded:
		return "Your session has expired. Please log in again."
	}
	return err.Error()
}

func printMessage(m chat.ChatMessage) {
	ts := m.CreatedAt.Local().Format(time.Kitchen)
	if m.Malformed {
		fmt.Fprintf(os.Stdout, "[%s] (unreadable) %s\n", ts, m.Content)
		return
	}
	fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", ts, m.SenderDisplayName, m.Content)
}

func printEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventConnected:
		fmt.Fprintf(os.Stdout, "*** connected to room %d\n", ev.RoomID)
	case chat.EventError:
		fmt.Fprintf(os.Stdout, "*** connection error: %v\n", ev.Err)
	case chat.EventClosed:
		fmt.Fprintln(os.Stdout, "*** disconnected; use /reconnect")
	}
}
