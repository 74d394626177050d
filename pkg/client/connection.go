package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/aeolun/relaychat/pkg/netutil"
	"github.com/aeolun/relaychat/pkg/protocol"
)

const defaultServerPort = "6142"

// dialConfig describes how to reach a directory server
type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

// Connection is a link to the directory server. Every command is one
// request message answered by exactly one response message.
type Connection struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // one exchange at a time
	closed bool
}

// Dial connects to a directory server. addr is host:port (port defaults to
// 6142), tcp://host:port, or a ws:// or wss:// URL (path defaults to /ws).
func Dial(ctx context.Context, addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}
	netutil.SetNoDelay(conn)

	return &Connection{
		addr:   cfg.display,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}, nil
}

// Addr returns the server address as dialed
func (c *Connection) Addr() string {
	return c.addr
}

// Do sends cmd and waits for its response. A nil response with a nil error
// means the command had no effect. After Exit the connection is closed.
func (c *Connection) Do(cmd protocol.Command) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, net.ErrClosed)
	}

	if err := protocol.WriteCommand(c.conn, cmd); err != nil {
		return nil, fmt.Errorf("%w: failed to send %s: %w", ErrConnectionLost, cmd, err)
	}

	resp, err := protocol.ReadResponse(c.reader)
	if err != nil {
		if errors.Is(err, protocol.ErrDecode) {
			// The stream is still in sync; only this reply was bad
			return nil, fmt.Errorf("bad response to %s: %w", cmd, err)
		}
		return nil, fmt.Errorf("%w: failed to read response to %s: %w", ErrConnectionLost, cmd, err)
	}

	if _, ok := cmd.(protocol.ExitCommand); ok {
		c.closed = true
		c.conn.Close()
	}
	return resp, nil
}

// Close closes the connection without sending Exit
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultServerPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		if strings.TrimSpace(hostPort) == "" {
			return nil, errors.New("missing host in server address")
		}
		if path == "" {
			path = "/ws"
		}

		u := url.URL{Scheme: scheme, Host: hostPort, Path: path}
		display := u.String()
		return &dialConfig{
			display: display,
			dial: func(ctx context.Context) (net.Conn, error) {
				return netutil.DialWebSocket(ctx, display)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
