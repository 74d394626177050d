package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/aeolun/relaychat/pkg/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("relaychat: %v", err)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "relaychat",
		Usage:   "log in to a directory server and exchange messages with peers directly",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file (created with defaults if missing)",
				Value:   "~/.relaychat/client.toml",
				EnvVars: []string{"RELAYCHAT_CLIENT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Directory server: host:port, tcp://host:port or ws://host:port (overrides config)",
				EnvVars: []string{"RELAYCHAT_SERVER"},
			},
			&cli.UintFlag{
				Name:  "port",
				Usage: "Listen port used when a login address has none (overrides config)",
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
	config, err := client.LoadClientConfig(c.String("config"))
	if err != nil {
		return err
	}

	relayConfig := config.ToRelayConfig()
	if c.IsSet("server") {
		relayConfig.ServerAddr = c.String("server")
	}
	if c.IsSet("port") {
		port := c.Uint("port")
		if port == 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		relayConfig.DefaultListenPort = uint16(port)
	}

	if c.Bool("debug") {
		client.EnableDebugLogging()
	}

	fmt.Println("connecting to host")
	dialCtx, cancel := c.Context, context.CancelFunc(func() {})
	if relayConfig.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(c.Context, relayConfig.DialTimeout)
	}
	conn, err := client.Dial(dialCtx, relayConfig.ServerAddr)
	cancel()
	if err != nil {
		return err
	}
	fmt.Println("connected")

	presenter := client.NewConsolePresenter(os.Stdout, true)
	relay, err := client.NewRelay(conn, relayConfig, presenter)
	if err != nil {
		conn.Close()
		return err
	}
	defer relay.Close()

	err = relay.Run(c.Context, client.NewLineSource(os.Stdin, relayConfig.DefaultListenPort))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
