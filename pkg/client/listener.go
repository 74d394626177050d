package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/aeolun/relaychat/pkg/netutil"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// Listener accepts connections from peers and files their messages in a
// Mailbox. Each connection gets its own goroutine.
type Listener struct {
	ln      net.Listener
	mailbox *Mailbox
	conns   map[net.Conn]struct{}
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// Listen binds addr and starts accepting peer connections
func Listen(ctx context.Context, addr netip.AddrPort, mailbox *Mailbox) (*Listener, error) {
	ln, err := netutil.Listen(ctx, addr.String())
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ln:      ln,
		mailbox: mailbox,
		conns:   make(map[net.Conn]struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// AddrPort returns the bound address
func (l *Listener) AddrPort() netip.AddrPort {
	if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	addr, _ := netip.ParseAddrPort(l.ln.Addr().String())
	return addr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Peer accept error: %v", err)
			continue
		}

		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.handlePeer(conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// handlePeer reads commands until the peer goes away. Only Message is
// meaningful here.
func (l *Listener) handlePeer(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	debugLog.Printf("Peer connected from %s", conn.RemoteAddr())
	reader := bufio.NewReader(conn)

	for {
		cmd, err := protocol.ReadCommand(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrDecode) {
				errorLog.Printf("Peer %s: dropping malformed message: %v", conn.RemoteAddr(), err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Peer %s read error: %v", conn.RemoteAddr(), err)
			}
			return
		}

		msg, ok := cmd.(protocol.MessageCommand)
		if !ok {
			debugLog.Printf("Peer %s: ignoring %s", conn.RemoteAddr(), cmd)
			continue
		}
		if !l.mailbox.Append(msg.Nickname, msg.Text) {
			debugLog.Printf("Mailbox full, dropped message from %s", msg.Nickname)
		}
	}
}

// Close stops accepting, closes live peer connections and waits for their
// handlers to finish
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.ln.Close()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}
