// Package client implements the relay side of relaychat: it talks to the
// directory server, listens for peers and delivers messages to them
// directly.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
)

// EnableDebugLogging sends relay debug output to stderr
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

var (
	// ErrNotLoggedIn is returned for commands that need a nickname
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrUnknownPeer is returned when the directory has no such nickname
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNoResponse is returned when the directory answered with no response
	ErrNoResponse = errors.New("request had no effect")
	// ErrConnectionLost is returned when the directory link is gone
	ErrConnectionLost = errors.New("connection to directory lost")
)

// RelayConfig holds client configuration
type RelayConfig struct {
	ServerAddr          string
	DefaultListenPort   uint16
	DialTimeout         time.Duration
	PeerCacheSize       int
	MailboxMaxSenders   int
	MailboxMaxPerSender int
}

// DefaultRelayConfig returns default client configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ServerAddr:          "127.0.0.1:6142",
		DefaultListenPort:   8080,
		DialTimeout:         5 * time.Second,
		PeerCacheSize:       32,
		MailboxMaxSenders:   256,
		MailboxMaxPerSender: 1000,
	}
}

// Relay is one client session: a directory connection, the peer listener
// while logged in, the mailbox and the cache of outbound peer connections.
// Execute and Run must not be called concurrently.
type Relay struct {
	config    RelayConfig
	conn      *Connection
	presenter Presenter
	mailbox   *Mailbox
	peers     *PeerCache
	listener  *Listener
	nickname  string
	exited    bool

	reportedDrops uint64
}

// NewRelay creates a relay over an established directory connection
func NewRelay(conn *Connection, config RelayConfig, presenter Presenter) (*Relay, error) {
	peers, err := NewPeerCache(config.PeerCacheSize)
	if err != nil {
		return nil, err
	}

	return &Relay{
		config:    config,
		conn:      conn,
		presenter: presenter,
		mailbox:   NewMailbox(config.MailboxMaxSenders, config.MailboxMaxPerSender),
		peers:     peers,
	}, nil
}

// Nickname returns the nickname logged in with, or "" when logged out
func (r *Relay) Nickname() string {
	return r.nickname
}

// Listener returns the peer listener, or nil when logged out
func (r *Relay) Listener() *Listener {
	return r.listener
}

// Mailbox returns the buffer of received messages
func (r *Relay) Mailbox() *Mailbox {
	return r.mailbox
}

// Exited reports whether Exit has been executed
func (r *Relay) Exited() bool {
	return r.exited
}

// Execute processes one command
func (r *Relay) Execute(ctx context.Context, cmd protocol.Command) error {
	if r.exited {
		return fmt.Errorf("%w: relay has exited", ErrConnectionLost)
	}
	debugLog.Printf("Executing %s", cmd)

	switch c := cmd.(type) {
	case protocol.LoginCommand:
		return r.login(ctx, c)
	case protocol.LogoutCommand:
		return r.logout()
	case protocol.ExitCommand:
		return r.exit()
	case protocol.SearchCommand:
		return r.search(c)
	case protocol.MessageCommand:
		return r.message(ctx, c)
	case protocol.ShowCommand:
		r.presenter.ShowMail(r.mailbox.Drain())
		if dropped := r.mailbox.Dropped(); dropped > r.reportedDrops {
			errorLog.Printf("Mailbox full: %d messages dropped since the last show", dropped-r.reportedDrops)
			r.reportedDrops = dropped
		}
		return nil
	default:
		return fmt.Errorf("unsupported command %s", cmd)
	}
}

// Run executes commands from src until Exit, the end of src, a lost
// directory connection or cancellation of ctx. Other errors are reported
// to the presenter and the loop continues.
func (r *Relay) Run(ctx context.Context, src CommandSource) error {
	for !r.exited {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.presenter.Prompt()
		cmd, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrInvalidCommand) {
				r.presenter.Error(err)
				continue
			}
			return err
		}

		if err := r.Execute(ctx, cmd); err != nil {
			switch {
			case errors.Is(err, ErrNoResponse), errors.Is(err, ErrUnknownPeer):
				r.presenter.NoEffect(cmd)
			case errors.Is(err, ErrConnectionLost):
				r.presenter.Error(err)
				return err
			default:
				r.presenter.Error(err)
			}
		}
	}
	return nil
}

func (r *Relay) login(ctx context.Context, c protocol.LoginCommand) error {
	// Port 0 asks for an ephemeral port, which has to be bound before the
	// directory can be told about it
	var ln *Listener
	if c.Addr.Port() == 0 && r.nickname == "" {
		var err error
		ln, err = Listen(ctx, c.Addr, r.mailbox)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", c.Addr, err)
		}
		c.Addr = ln.AddrPort()
	}

	resp, err := r.conn.Do(c)
	if err != nil {
		if ln != nil {
			ln.Close()
		}
		return err
	}

	lr, ok := resp.(protocol.LoginResponse)
	if !ok {
		if ln != nil {
			ln.Close()
		}
		return ErrNoResponse
	}

	if ln == nil {
		ln, err = Listen(ctx, lr.Addr, r.mailbox)
		if err != nil {
			// Nobody could reach us, so give the nickname back
			if _, logoutErr := r.conn.Do(protocol.LogoutCommand{}); logoutErr != nil {
				errorLog.Printf("Logout after failed listen: %v", logoutErr)
			}
			return fmt.Errorf("failed to listen on %s: %w", lr.Addr, err)
		}
	}

	r.listener = ln
	r.nickname = lr.Nickname
	r.presenter.LoggedIn(protocol.Entry{Nickname: lr.Nickname, Addr: lr.Addr})
	return nil
}

func (r *Relay) logout() error {
	resp, err := r.conn.Do(protocol.LogoutCommand{})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.LogoutResponse); !ok {
		return ErrNoResponse
	}

	r.stopListening()
	r.presenter.LoggedOut()
	return nil
}

func (r *Relay) exit() error {
	_, err := r.conn.Do(protocol.ExitCommand{})

	// Leaving either way
	r.exited = true
	r.stopListening()
	r.peers.Close()
	r.conn.Close()

	if err != nil {
		return err
	}
	r.presenter.Exited()
	return nil
}

func (r *Relay) stopListening() {
	if r.listener != nil {
		r.listener.Close()
		r.listener = nil
	}
	r.nickname = ""
}

func (r *Relay) search(c protocol.SearchCommand) error {
	resp, err := r.conn.Do(c)
	if err != nil {
		return err
	}
	result, ok := resp.(protocol.SearchResponse)
	if !ok {
		return ErrNoResponse
	}
	r.presenter.SearchResults(result.Entries)
	return nil
}

// message delivers text straight to the recipient, asking the directory
// where it lives when there is no open connection to it yet
func (r *Relay) message(ctx context.Context, c protocol.MessageCommand) error {
	if r.nickname == "" {
		return ErrNotLoggedIn
	}
	// Peers see who it is from, not who it is for
	forward := protocol.MessageCommand{Nickname: r.nickname, Text: c.Text}

	if peer, ok := r.peers.Get(c.Nickname); ok {
		err := peer.Send(forward)
		if err == nil {
			debugLog.Printf("Delivered to %s on cached connection", c.Nickname)
			return nil
		}
		debugLog.Printf("Cached connection to %s failed: %v", c.Nickname, err)
		r.peers.Remove(c.Nickname)
	}

	resp, err := r.conn.Do(c)
	if err != nil {
		return err
	}
	route, ok := resp.(protocol.MessageResponse)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, c.Nickname)
	}

	dialCtx := ctx
	if r.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.config.DialTimeout)
		defer cancel()
	}

	peer, err := DialPeer(dialCtx, route.Nickname, route.Addr)
	if err != nil {
		return err
	}
	forward.Text = route.Text
	if err := peer.Send(forward); err != nil {
		peer.Close()
		return fmt.Errorf("failed to deliver to %s: %w", route.Nickname, err)
	}

	r.peers.Add(route.Nickname, peer)
	debugLog.Printf("Delivered to %s at %s", route.Nickname, route.Addr)
	return nil
}

// Close releases everything the relay holds without telling the directory
func (r *Relay) Close() error {
	r.stopListening()
	r.peers.Close()
	return r.conn.Close()
}
