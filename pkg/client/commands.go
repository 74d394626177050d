package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// ErrInvalidCommand marks an input line that is not a command
var ErrInvalidCommand = errors.New("invalid command")

// ParseCommand turns one console line into a command:
//
//	login <nickname> <ip[:port]>
//	logout
//	search [nickname|all]
//	msg <nickname> <text...>
//	show
//	exit
//
// A login address without a port gets defaultPort.
func ParseCommand(line string, defaultPort uint16) (protocol.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrInvalidCommand)
	}

	switch strings.ToLower(fields[0]) {
	case "login":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: usage: login <nickname> <ip[:port]>", ErrInvalidCommand)
		}
		addr, err := parseListenAddr(fields[2], defaultPort)
		if err != nil {
			return nil, err
		}
		return protocol.LoginCommand{Nickname: fields[1], Addr: addr}, nil

	case "logout":
		return protocol.LogoutCommand{}, nil

	case "search":
		query := ""
		if len(fields) > 1 {
			query = fields[1]
		}
		return protocol.SearchCommand{Query: query}, nil

	case "msg":
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: usage: msg <nickname> <text>", ErrInvalidCommand)
		}
		return protocol.MessageCommand{
			Nickname: fields[1],
			Text:     strings.Join(fields[2:], " "),
		}, nil

	case "show":
		return protocol.ShowCommand{}, nil

	case "exit", "quit":
		return protocol.ExitCommand{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, fields[0])
	}
}

// parseListenAddr accepts 1.2.3.4, 1.2.3.4:9000, ::1 or [::1]:9000.
// Zoned IPv6 addresses are refused: the wire format has no room for the
// zone, so peers could not reach the registered endpoint.
func parseListenAddr(s string, defaultPort uint16) (netip.AddrPort, error) {
	var ap netip.AddrPort
	if addr, err := netip.ParseAddr(s); err == nil {
		ap = netip.AddrPortFrom(addr, defaultPort)
	} else if ap, err = netip.ParseAddrPort(s); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad address %q", ErrInvalidCommand, s)
	}

	if ap.Addr().Zone() != "" {
		return netip.AddrPort{}, fmt.Errorf("%w: zoned address %q cannot be registered", ErrInvalidCommand, s)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// CommandSource yields the commands a Relay executes. Next returns io.EOF
// when there are no more.
type CommandSource interface {
	Next(ctx context.Context) (protocol.Command, error)
}

// LineSource reads commands one per line. Lines that do not parse are
// returned as errors wrapping ErrInvalidCommand; blank lines are skipped.
//
// Reads happen on a background goroutine so Next can give up when its
// context ends. A read blocked in r outlives the LineSource until r
// returns.
type LineSource struct {
	r           io.Reader
	defaultPort uint16
	start       sync.Once
	lines       chan string
	err         error // set before lines is closed
}

// NewLineSource reads commands from r
func NewLineSource(r io.Reader, defaultPort uint16) *LineSource {
	return &LineSource{
		r:           r,
		defaultPort: defaultPort,
		lines:       make(chan string),
	}
}

func (s *LineSource) readLines() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
	s.err = scanner.Err()
}

// Next implements CommandSource
func (s *LineSource) Next(ctx context.Context) (protocol.Command, error) {
	s.start.Do(func() { go s.readLines() })

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				if s.err != nil {
					return nil, s.err
				}
				return nil, io.EOF
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			return ParseCommand(line, s.defaultPort)
		}
	}
}

// SliceSource replays a fixed list of commands
type SliceSource struct {
	commands []protocol.Command
}

// NewSliceSource creates a source over commands
func NewSliceSource(commands ...protocol.Command) *SliceSource {
	return &SliceSource{commands: commands}
}

// Next implements CommandSource
func (s *SliceSource) Next(ctx context.Context) (protocol.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.commands) == 0 {
		return nil, io.EOF
	}
	cmd := s.commands[0]
	s.commands = s.commands[1:]
	return cmd, nil
}
