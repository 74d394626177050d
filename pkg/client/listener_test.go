package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

func startTestListener(t *testing.T, mailbox *Mailbox) *Listener {
	t.Helper()
	quietLogs()

	l, err := Listen(context.Background(), ephemeral(), mailbox)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestListenerFilesMessages(t *testing.T) {
	mailbox := NewMailbox(0, 0)
	l := startTestListener(t, mailbox)

	peer, err := DialPeer(context.Background(), "me", l.AddrPort())
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.Send(protocol.MessageCommand{Nickname: "bob", Text: "hi"}))
	// Non-message commands are ignored on a peer link
	require.NoError(t, peer.Send(protocol.SearchCommand{Query: "all"}))
	require.NoError(t, peer.Send(protocol.MessageCommand{Nickname: "bob", Text: "there"}))

	require.Eventually(t, func() bool { return mailbox.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Mail{{Sender: "bob", Texts: []string{"hi", "there"}}}, mailbox.Drain())
}

func TestListenerSurvivesMalformedMessage(t *testing.T) {
	mailbox := NewMailbox(0, 0)
	l := startTestListener(t, mailbox)

	conn, err := net.Dial("tcp", l.AddrPort().String())
	require.NoError(t, err)
	defer conn.Close()

	// Message with its text packet missing
	bad := []protocol.Packet{protocol.NewPacket(protocol.TypeMessageCommand, []byte("bob"))}
	require.NoError(t, protocol.WriteMessage(conn, bad))
	require.NoError(t, protocol.WriteCommand(conn, protocol.MessageCommand{Nickname: "bob", Text: "ok"}))

	require.Eventually(t, func() bool { return mailbox.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Mail{{Sender: "bob", Texts: []string{"ok"}}}, mailbox.Drain())
}

func TestListenerConnectionsAreIndependent(t *testing.T) {
	mailbox := NewMailbox(0, 0)
	l := startTestListener(t, mailbox)

	broken, err := net.Dial("tcp", l.AddrPort().String())
	require.NoError(t, err)
	// Oversized length prefix corrupts only this stream
	_, err = broken.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	defer broken.Close()

	peer, err := DialPeer(context.Background(), "me", l.AddrPort())
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.Send(protocol.MessageCommand{Nickname: "carol", Text: "still here"}))

	require.Eventually(t, func() bool { return mailbox.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestListenerCloseDisconnectsPeers(t *testing.T) {
	mailbox := NewMailbox(0, 0)
	quietLogs()
	l, err := Listen(context.Background(), ephemeral(), mailbox)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", l.AddrPort().String())
	require.NoError(t, err)
	defer conn.Close()

	// Make sure the handler is running before closing
	require.NoError(t, protocol.WriteCommand(conn, protocol.MessageCommand{Nickname: "bob", Text: "x"}))
	require.Eventually(t, func() bool { return mailbox.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "peer connection should be closed")

	assert.NoError(t, l.Close(), "second close is a no-op")
}

func TestPeerCacheEvictionClosesConnections(t *testing.T) {
	mailbox := NewMailbox(0, 0)
	l := startTestListener(t, mailbox)

	cache, err := NewPeerCache(2)
	require.NoError(t, err)

	dial := func(name string) *PeerConn {
		p, err := DialPeer(context.Background(), name, l.AddrPort())
		require.NoError(t, err)
		return p
	}

	a, b, c := dial("a"), dial("b"), dial("c")
	cache.Add("a", a)
	cache.Add("b", b)
	cache.Add("c", c) // evicts a

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("a")
	assert.False(t, ok)
	assert.Error(t, a.Send(protocol.ShowCommand{}), "evicted connection is closed")

	// Replacing an entry closes the old connection
	b2 := dial("b")
	cache.Add("b", b2)
	assert.Error(t, b.Send(protocol.ShowCommand{}))
	got, ok := cache.Get("b")
	require.True(t, ok)
	assert.Same(t, b2, got)

	cache.Close()
	assert.Equal(t, 0, cache.Len())
	assert.Error(t, c.Send(protocol.ShowCommand{}))
}

func TestPeerCacheRejectsBadSize(t *testing.T) {
	_, err := NewPeerCache(0)
	assert.Error(t, err)
}

func TestPeerCacheDropsPeersThatHungUp(t *testing.T) {
	mailbox := NewMailbox(0, 0)
	quietLogs()
	l, err := Listen(context.Background(), ephemeral(), mailbox)
	require.NoError(t, err)

	cache, err := NewPeerCache(4)
	require.NoError(t, err)
	defer cache.Close()

	peer, err := DialPeer(context.Background(), "alice", l.AddrPort())
	require.NoError(t, err)
	cache.Add("alice", peer)
	require.NoError(t, peer.Send(protocol.MessageCommand{Nickname: "bob", Text: "x"}))
	require.Eventually(t, func() bool { return mailbox.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close())

	require.Eventually(t, func() bool { return !peer.Alive() }, 5*time.Second, 10*time.Millisecond)
	_, ok := cache.Get("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
	assert.ErrorIs(t, peer.Send(protocol.ShowCommand{}), ErrPeerGone)
}
