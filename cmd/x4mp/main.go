// Package main provides the x4mp binary, a command-line client for X4
// multiplayer servers: session management, chat, economy sync, and the live
// event stream.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/darkace1998/x4-multiplayer-client/internal/client"
	"github.com/darkace1998/x4-multiplayer-client/internal/config"
	"github.com/darkace1998/x4-multiplayer-client/internal/observability"
	"github.com/darkace1998/x4-multiplayer-client/internal/server"
	"github.com/darkace1998/x4-multiplayer-client/internal/session"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults + environment")
	username := flag.String("username", "", "account username")
	password := flag.String("password", "", "account password")
	email := flag.String("email", "", "account email, used with -register")
	register := flag.Bool("register", false, "register the account before logging in")
	playerName := flag.String("player", "", "in-game player name announced to the coordination server")
	message := flag.String("message", "", "chat message to send with the chat command")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	c := client.New(cfg, logger)
	ctx := context.Background()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "status"
	}

	logger.Info("x4mp starting",
		zap.String("command", cmd),
		zap.String("server", cfg.Rest.BaseURL()),
	)

	switch cmd {
	case "status":
		err = runStatus(ctx, c)
	case "interactive":
		err = runInteractive(ctx, c, logger)
	case "auth":
		err = runAuth(ctx, c, *register, *username, *password, *email)
	case "chat":
		err = runChat(ctx, c, *message)
	case "players":
		err = runPlayers(ctx, c)
	case "economy":
		err = runEconomy(ctx, c, *username, *password)
	case "events":
		err = runEvents(ctx, c, cfg, logger, *username, *password, *playerName)
	case "admin":
		fmt.Println(c.AdminDashboardURL())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; one of: status interactive auth chat players economy events admin\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("command failed", zap.String("command", cmd), zap.Error(err))
	}

	logger.Info("done", zap.Duration("elapsed", time.Since(start)))
}

// runInteractive is a line-oriented shell over the same operations the
// one-shot commands expose, mirroring the in-game session flow: log in,
// watch events, chat, sync economy, log out.
func runInteractive(ctx context.Context, c *client.Client, logger *zap.Logger) error {
	fmt.Println("x4mp interactive; commands: status, login <user> <pass>, logout, chat [message], players, economy, watch, upload, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "status":
			err = runStatus(ctx, c)
		case "login":
			if len(fields) != 3 {
				fmt.Println("usage: login <user> <pass>")
				continue
			}
			var sess session.Session
			if sess, err = c.Login(ctx, fields[1], fields[2]); err == nil {
				fmt.Println("logged in as", sess.Username)
			}
		case "logout":
			if err = c.Logout(ctx); err == nil {
				fmt.Println("logged out")
			}
		case "chat":
			err = runChat(ctx, c, strings.Join(fields[1:], " "))
		case "players":
			err = runPlayers(ctx, c)
		case "economy":
			err = runEconomy(ctx, c, "", "")
		case "upload":
			var points int
			if points, err = c.UploadEconomy(ctx); err == nil {
				fmt.Printf("uploaded %d economy data points\n", points)
			}
		case "watch":
			err = watchEvents(ctx, c)
		case "quit", "exit":
			c.CloseEvents()
			return c.Logout(ctx)
		default:
			fmt.Printf("unknown command %q\n", fields[0])
			continue
		}
		if err != nil {
			fmt.Println("error:", err)
			logger.Debug("interactive command failed", zap.String("command", fields[0]), zap.Error(err))
		}
	}
	return scanner.Err()
}

// watchEvents streams events to stdout until interrupted.
func watchEvents(ctx context.Context, c *client.Client) error {
	if err := c.ConnectEvents(ctx); err != nil {
		return err
	}
	sub := c.OnEvent()
	if sub == nil {
		return fmt.Errorf("event stream already closed")
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	fmt.Println("watching events; ctrl-c to stop")
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s from %s: %s\n",
				ev.Timestamp.Format(time.TimeOnly), ev.EventType, ev.FromPlayer, string(ev.Payload))
		case <-sigCh:
			return nil
		}
	}
}

func runStatus(ctx context.Context, c *client.Client) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("pinging game server: %w", err)
	}
	fmt.Println("game server: online")

	info, err := c.CoordinatorInfo(ctx)
	if err != nil {
		return fmt.Errorf("querying coordination server: %w", err)
	}
	fmt.Printf("coordination server: %v\n", info["name"])

	player, err := c.PlayerInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching player info: %w", err)
	}
	fmt.Printf("player: %s, %.0f credits, sector %s\n",
		player.PlayerName, player.Credits, player.CurrentSector)
	return nil
}

func runAuth(ctx context.Context, c *client.Client, register bool, username, password, email string) error {
	if username == "" || password == "" {
		return fmt.Errorf("auth requires -username and -password")
	}
	if register {
		if err := c.Register(ctx, username, password, email); err != nil {
			return fmt.Errorf("registering: %w", err)
		}
		fmt.Println("registered", username)
	}
	sess, err := c.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	fmt.Println("logged in as", sess.Username)
	if err := c.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	fmt.Println("logged out")
	return nil
}

func runChat(ctx context.Context, c *client.Client, message string) error {
	if message != "" {
		if err := c.SendChat(ctx, message); err != nil {
			return fmt.Errorf("sending chat: %w", err)
		}
	}
	msgs, err := c.FetchChat(ctx, 0)
	if err != nil {
		return fmt.Errorf("fetching chat: %w", err)
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format(time.TimeOnly), m.PlayerName, m.Text)
	}
	return nil
}

func runPlayers(ctx context.Context, c *client.Client) error {
	players, err := c.ListPlayers(ctx)
	if err != nil {
		return fmt.Errorf("listing players: %w", err)
	}
	fmt.Printf("%d player(s) online\n", len(players))
	for _, p := range players {
		fmt.Printf("  %s in %s (seen %s)\n", p.PlayerName, p.CurrentSector, p.LastSeen.Format(time.TimeOnly))
	}
	return nil
}

func runEconomy(ctx context.Context, c *client.Client, username, password string) error {
	if username != "" {
		if _, err := c.Login(ctx, username, password); err != nil {
			return fmt.Errorf("logging in: %w", err)
		}
		defer c.Logout(ctx)

		points, err := c.UploadEconomy(ctx)
		if err != nil {
			return fmt.Errorf("uploading economy data: %w", err)
		}
		fmt.Printf("uploaded %d economy data points\n", points)
	}

	snap, err := c.FetchEconomy(ctx)
	if err != nil {
		return fmt.Errorf("fetching economy data: %w", err)
	}
	stations := 0
	for _, list := range snap.Stations {
		stations += len(list)
	}
	fmt.Printf("economy: %d station(s) from %d player(s), %d tracked ware(s), updated %s\n",
		stations, len(snap.Stations), len(snap.Prices), snap.LastUpdate.Format(time.DateTime))
	return nil
}

// runEvents logs in, announces the player to the coordination server, and
// streams events until interrupted. The stream is kept alive by the
// supervisor; a lost session token ends the run.
func runEvents(ctx context.Context, c *client.Client, cfg config.Config, logger *zap.Logger, username, password, playerName string) error {
	if username == "" || password == "" {
		return fmt.Errorf("events requires -username and -password")
	}
	sess, err := c.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	if playerName == "" {
		playerName = sess.Username
	}
	if err := c.ConnectMultiplayer(ctx, playerName); err != nil {
		logger.Warn("coordination server connect failed", zap.Error(err))
	}

	sub := c.OnEvent()
	if sub == nil {
		return fmt.Errorf("event stream already closed")
	}
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range sub.Events() {
			fmt.Printf("[%s] %s from %s: %s\n",
				ev.Timestamp.Format(time.TimeOnly), ev.EventType, ev.FromPlayer, string(ev.Payload))
		}
	}()

	// A session invalidated outside shutdown (server-side token rejection)
	// leaves nothing worth supervising; end the run instead of retrying.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.OnSessionInvalidated(cancel)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("event-stream", server.NewStreamSupervisor(c, cfg.Stream, logger))
	sessionDone := make(chan struct{})
	lifecycle.Add("session", &server.FuncService{
		StartFn: func() error {
			// Nothing to drive; the session lives until shutdown.
			<-sessionDone
			return nil
		},
		StopFn: func() {
			close(sessionDone)
			logoutCtx, logoutCancel := context.WithTimeout(context.Background(), cfg.Rest.Timeout)
			defer logoutCancel()
			if err := c.Logout(logoutCtx); err != nil {
				logger.Warn("logout on shutdown failed", zap.Error(err))
			}
		},
	})

	runErr := lifecycle.Run(runCtx)
	sub.Close()
	<-printerDone
	return runErr
}
