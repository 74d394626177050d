package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("relaychat-server: %v", err)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "relaychat-server",
		Usage:   "directory server mapping nicknames to peer endpoints",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file (created with defaults if missing)",
				Value:   "~/.relaychat/server.toml",
				EnvVars: []string{"RELAYCHAT_SERVER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "TCP address to listen on (overrides config)",
			},
			&cli.StringFlag{
				Name:  "http",
				Usage: "HTTP address for /ws, /metrics and the JSON endpoints (overrides config)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the SQLite session store (overrides config)",
			},
			&cli.IntFlag{
				Name:  "max-users",
				Usage: "Maximum number of logged-in nicknames, 0 for unlimited (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "release-on-disconnect",
				Usage: "Free a nickname when its connection drops without logout or exit (overrides config)",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				EnvVars: []string{"RELAYCHAT_DEBUG"},
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	config, err := server.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file
	if c.IsSet("listen") {
		config.Server.ListenAddr = c.String("listen")
	}
	if c.IsSet("http") {
		config.Server.HTTPAddr = c.String("http")
	}
	if c.IsSet("db") {
		config.Server.DatabasePath = c.String("db")
	}
	if c.IsSet("max-users") {
		config.Limits.MaxUsers = c.Int("max-users")
	}
	if c.IsSet("release-on-disconnect") {
		config.Limits.ReleaseOnDisconnect = c.Bool("release-on-disconnect")
	}

	serverConfig, err := config.ToServerConfig()
	if err != nil {
		return err
	}

	if c.Bool("debug") {
		server.EnableDebugLogging()
		database.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	if serverConfig.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(serverConfig.DatabasePath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		log.Printf("Session store: %s", serverConfig.DatabasePath)
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Printf("relaychat server %s started", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws", addr)
	}
	if serverConfig.MaxUsers > 0 {
		log.Printf("Nickname limit: %d", serverConfig.MaxUsers)
	}

	<-c.Context.Done()

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	log.Println("Server stopped")
	return nil
}
