package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aeolun/relaychat/pkg/netutil"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// ErrPeerGone is returned by Send once the peer has closed its end
var ErrPeerGone = errors.New("peer closed the connection")

// PeerConn is an outbound connection to another client's listener. Peers
// never answer, so the read side only watches for the peer going away: a
// write to a half-closed TCP connection still succeeds, a read does not.
type PeerConn struct {
	nickname string
	conn     net.Conn
	mu       sync.Mutex
	gone     chan struct{}
}

// DialPeer opens a connection to a peer listener
func DialPeer(ctx context.Context, nickname string, addr netip.AddrPort) (*PeerConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s at %s: %w", nickname, addr, err)
	}
	netutil.SetNoDelay(conn)

	p := &PeerConn{nickname: nickname, conn: conn, gone: make(chan struct{})}
	go p.watch()
	return p, nil
}

// watch reads until the connection fails. Anything a peer sends is ignored.
func (p *PeerConn) watch() {
	defer close(p.gone)

	buf := make([]byte, 512)
	for {
		if _, err := p.conn.Read(buf); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Peer %s went away: %v", p.nickname, err)
			}
			return
		}
	}
}

// Alive reports whether the peer still holds its end open
func (p *PeerConn) Alive() bool {
	select {
	case <-p.gone:
		return false
	default:
		return true
	}
}

// Send writes one command message
func (p *PeerConn) Send(cmd protocol.Command) error {
	if !p.Alive() {
		return fmt.Errorf("%w: %s", ErrPeerGone, p.nickname)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.WriteCommand(p.conn, cmd)
}

// Close closes the connection
func (p *PeerConn) Close() error {
	return p.conn.Close()
}

// PeerCache holds open peer connections by nickname, closing the least
// recently used one when full
type PeerCache struct {
	cache *lru.Cache[string, *PeerConn]
}

// NewPeerCache creates a cache of at most size connections
func NewPeerCache(size int) (*PeerCache, error) {
	cache, err := lru.NewWithEvict(size, func(nickname string, peer *PeerConn) {
		debugLog.Printf("Closing peer connection to %s", nickname)
		peer.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer cache: %w", err)
	}
	return &PeerCache{cache: cache}, nil
}

// Get returns the cached connection for nickname. A connection the peer
// has closed is evicted and not returned.
func (c *PeerCache) Get(nickname string) (*PeerConn, bool) {
	peer, ok := c.cache.Get(nickname)
	if !ok {
		return nil, false
	}
	if !peer.Alive() {
		c.cache.Remove(nickname)
		return nil, false
	}
	return peer, true
}

// Add caches peer, closing any connection it replaces
func (c *PeerCache) Add(nickname string, peer *PeerConn) {
	if old, ok := c.cache.Peek(nickname); ok && old != peer {
		c.cache.Remove(nickname)
	}
	c.cache.Add(nickname, peer)
}

// Remove drops and closes the connection for nickname
func (c *PeerCache) Remove(nickname string) {
	c.cache.Remove(nickname)
}

// Len returns the number of cached connections
func (c *PeerCache) Len() int {
	return c.cache.Len()
}

// Close closes every cached connection
func (c *PeerCache) Close() {
	c.cache.Purge()
}
