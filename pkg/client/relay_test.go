package client

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/server"
)

func quietLogs() {
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	log.SetOutput(io.Discard)
}

// startDirectory runs a real directory server on a random port
func startDirectory(t *testing.T) *server.Server {
	t.Helper()
	quietLogs()

	config := server.DefaultConfig()
	config.ListenAddr = "127.0.0.1:0"
	srv, err := server.NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// syncBuffer is a bytes.Buffer safe for the presenter and the test to share
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRelay(t *testing.T, srv *server.Server) (*Relay, *syncBuffer) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)

	out := &syncBuffer{}
	relay, err := NewRelay(conn, DefaultRelayConfig(), NewConsolePresenter(out, false))
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })
	return relay, out
}

func ephemeral() netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)
}

func TestLoginBindsListener(t *testing.T) {
	srv := startDirectory(t)
	relay, out := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, relay.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NotNil(t, relay.Listener())
	assert.Equal(t, "alice", relay.Nickname())

	bound := relay.Listener().AddrPort()
	assert.NotZero(t, bound.Port())

	registered, ok := srv.Registry().Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, bound, registered)
	assert.Contains(t, out.String(), "Logged in as alice\nAt "+bound.String()+"\n")
}

func TestLoginWithFixedPort(t *testing.T) {
	srv := startDirectory(t)
	relay, _ := newTestRelay(t, srv)

	// Find a free port, then log in on it
	scratch, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := scratch.Addr().(*net.TCPAddr).AddrPort()
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	scratch.Close()

	require.NoError(t, relay.Execute(context.Background(), protocol.LoginCommand{Nickname: "alice", Addr: addr}))
	assert.Equal(t, addr, relay.Listener().AddrPort())
}

func TestLoginListenFailureLogsOut(t *testing.T) {
	srv := startDirectory(t)
	relay, _ := newTestRelay(t, srv)

	// Hold the port so the relay cannot bind it
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	addr := busy.Addr().(*net.TCPAddr).AddrPort()
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	err = relay.Execute(context.Background(), protocol.LoginCommand{Nickname: "alice", Addr: addr})
	require.Error(t, err)
	assert.Empty(t, relay.Nickname())

	_, ok := srv.Registry().Lookup("alice")
	assert.False(t, ok, "nickname should be handed back")
}

func TestAliceBobRelay(t *testing.T) {
	srv := startDirectory(t)
	alice, aliceOut := newTestRelay(t, srv)
	bob, _ := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, alice.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NoError(t, bob.Execute(ctx, protocol.LoginCommand{Nickname: "bob", Addr: ephemeral()}))

	require.NoError(t, bob.Execute(ctx, protocol.MessageCommand{Nickname: "alice", Text: "hi"}))
	require.Eventually(t, func() bool { return alice.Mailbox().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Execute(ctx, protocol.ShowCommand{}))
	assert.Contains(t, aliceOut.String(), "bob: hi\n")
	assert.Equal(t, 0, alice.Mailbox().Len(), "show drains the mailbox")

	// Second message rides the cached connection
	first, ok := bob.peers.cache.Peek("alice")
	require.True(t, ok)
	require.NoError(t, bob.Execute(ctx, protocol.MessageCommand{Nickname: "alice", Text: "again"}))
	assert.Equal(t, 1, bob.peers.Len())
	second, ok := bob.peers.cache.Peek("alice")
	require.True(t, ok)
	assert.Same(t, first, second, "no new connection was dialled")
	require.Eventually(t, func() bool { return alice.Mailbox().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	mail := alice.Mailbox().Drain()
	assert.Equal(t, []Mail{{Sender: "bob", Texts: []string{"again"}}}, mail)
}

func TestStalePeerFallsBackToDirectory(t *testing.T) {
	srv := startDirectory(t)
	alice, _ := newTestRelay(t, srv)
	bob, _ := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, alice.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NoError(t, bob.Execute(ctx, protocol.LoginCommand{Nickname: "bob", Addr: ephemeral()}))

	require.NoError(t, bob.Execute(ctx, protocol.MessageCommand{Nickname: "alice", Text: "hi"}))
	require.Eventually(t, func() bool { return alice.Mailbox().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	stale, ok := bob.peers.cache.Peek("alice")
	require.True(t, ok)

	// Alice moves to a new port; her old listener drops bob's connection
	oldAddr := alice.Listener().AddrPort()
	require.NoError(t, alice.Execute(ctx, protocol.LogoutCommand{}))
	require.NoError(t, alice.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NotEqual(t, oldAddr, alice.Listener().AddrPort())
	require.Eventually(t, func() bool { return !stale.Alive() }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Execute(ctx, protocol.MessageCommand{Nickname: "alice", Text: "again"}))
	require.Eventually(t, func() bool { return alice.Mailbox().Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Mail{{Sender: "bob", Texts: []string{"hi", "again"}}}, alice.Mailbox().Drain())

	fresh, ok := bob.peers.cache.Peek("alice")
	require.True(t, ok)
	assert.NotSame(t, stale, fresh)
	assert.ErrorIs(t, stale.Send(protocol.ShowCommand{}), ErrPeerGone)
}

func TestMessageOrderingPerSender(t *testing.T) {
	srv := startDirectory(t)
	alice, _ := newTestRelay(t, srv)
	bob, _ := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, alice.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NoError(t, bob.Execute(ctx, protocol.LoginCommand{Nickname: "bob", Addr: ephemeral()}))

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		require.NoError(t, bob.Execute(ctx, protocol.MessageCommand{Nickname: "alice", Text: text}))
	}
	require.Eventually(t, func() bool { return alice.Mailbox().Len() == len(texts) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Mail{{Sender: "bob", Texts: texts}}, alice.Mailbox().Drain())
}

func TestMessageRequiresLogin(t *testing.T) {
	srv := startDirectory(t)
	relay, _ := newTestRelay(t, srv)

	err := relay.Execute(context.Background(), protocol.MessageCommand{Nickname: "bob", Text: "hi"})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestMessageUnknownPeer(t *testing.T) {
	srv := startDirectory(t)
	relay, _ := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, relay.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	err := relay.Execute(ctx, protocol.MessageCommand{Nickname: "nobody", Text: "hi"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSearchPresentsResults(t *testing.T) {
	srv := startDirectory(t)
	alice, out := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, alice.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NoError(t, alice.Execute(ctx, protocol.SearchCommand{Query: "alice"}))

	addr := alice.Listener().AddrPort()
	assert.Contains(t, out.String(), "name: alice\nAddress: "+addr.String()+"\n")

	assert.ErrorIs(t, alice.Execute(ctx, protocol.SearchCommand{Query: ""}), ErrNoResponse)
	assert.ErrorIs(t, alice.Execute(ctx, protocol.SearchCommand{Query: "bob"}), ErrNoResponse)
}

func TestLogoutStopsListener(t *testing.T) {
	srv := startDirectory(t)
	relay, out := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, relay.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	addr := relay.Listener().AddrPort()

	require.NoError(t, relay.Execute(ctx, protocol.LogoutCommand{}))
	assert.Nil(t, relay.Listener())
	assert.Empty(t, relay.Nickname())
	assert.Contains(t, out.String(), "Logged out\n")

	_, err := net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err, "listener should be closed")

	assert.ErrorIs(t, relay.Execute(ctx, protocol.LogoutCommand{}), ErrNoResponse)
}

func TestExitDrainsDirectory(t *testing.T) {
	srv := startDirectory(t)
	relay, out := newTestRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, relay.Execute(ctx, protocol.LoginCommand{Nickname: "alice", Addr: ephemeral()}))
	require.NoError(t, relay.Execute(ctx, protocol.ExitCommand{}))
	assert.True(t, relay.Exited())
	assert.Contains(t, out.String(), "You exited\n")

	_, ok := srv.Registry().Lookup("alice")
	assert.False(t, ok)

	assert.ErrorIs(t, relay.Execute(ctx, protocol.ShowCommand{}), ErrConnectionLost)
}

func TestRunScript(t *testing.T) {
	srv := startDirectory(t)
	bob, _ := newTestRelay(t, srv)
	ctx := context.Background()
	require.NoError(t, bob.Execute(ctx, protocol.LoginCommand{Nickname: "bob", Addr: ephemeral()}))

	alice, out := newTestRelay(t, srv)
	script := strings.Join([]string{
		"login alice 127.0.0.1:0",
		"",
		"bogus",
		"msg bob hello there",
		"msg carol hi",
		"search",
		"exit",
		"show",
	}, "\n")

	err := alice.Run(ctx, NewLineSource(strings.NewReader(script), 8080))
	require.NoError(t, err)
	assert.True(t, alice.Exited())

	text := out.String()
	assert.Contains(t, text, "Logged in as alice\n")
	assert.Contains(t, text, "error: invalid command: unknown command \"bogus\"\n")
	assert.Contains(t, text, "MESSAGE: request had no effect\n")
	assert.Contains(t, text, "SEARCH: request had no effect\n")
	assert.Contains(t, text, "You exited\n")

	require.Eventually(t, func() bool { return bob.Mailbox().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Mail{{Sender: "alice", Texts: []string{"hello there"}}}, bob.Mailbox().Drain())
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := startDirectory(t)
	relay, _ := newTestRelay(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := relay.Run(ctx, NewSliceSource(protocol.ShowCommand{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStopsOnCancelWhileWaitingForInput(t *testing.T) {
	srv := startDirectory(t)
	relay, _ := newTestRelay(t, srv)

	// Nothing is ever written, like an idle terminal
	stdin, stdinWriter := io.Pipe()
	defer stdinWriter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx, NewLineSource(stdin, 8080))
	}()

	// Let Run reach the blocking read
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}
}

func TestRunStopsWhenDirectoryGoes(t *testing.T) {
	quietLogs()

	config := server.DefaultConfig()
	config.ListenAddr = "127.0.0.1:0"
	srv, err := server.NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	relay, _ := newTestRelay(t, srv)
	require.NoError(t, srv.Stop())

	err = relay.Run(context.Background(), NewSliceSource(
		protocol.SearchCommand{Query: "all"},
		protocol.ShowCommand{},
	))
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestDialOverWebSocket(t *testing.T) {
	quietLogs()

	config := server.DefaultConfig()
	config.ListenAddr = "127.0.0.1:0"
	config.HTTPAddr = "127.0.0.1:0"
	srv, err := server.NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws://"+srv.HTTPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Do(protocol.LoginCommand{Nickname: "alice", Addr: netip.MustParseAddrPort("127.0.0.1:9001")})
	require.NoError(t, err)
	assert.IsType(t, protocol.LoginResponse{}, resp)

	resp, err = conn.Do(protocol.ExitCommand{})
	require.NoError(t, err)
	assert.Equal(t, protocol.ExitResponse{}, resp)

	_, err = conn.Do(protocol.ShowCommand{})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestShowReportsDroppedMail(t *testing.T) {
	srv := startDirectory(t)
	relay, out := newTestRelay(t, srv)
	relay.mailbox = NewMailbox(1, 0)

	var logs syncBuffer
	errorLog = log.New(&logs, "ERROR: ", 0)
	defer quietLogs()

	relay.Mailbox().Append("alice", "kept")
	relay.Mailbox().Append("bob", "dropped")

	require.NoError(t, relay.Execute(context.Background(), protocol.ShowCommand{}))
	assert.Contains(t, out.String(), "alice: kept\n")
	assert.NotContains(t, out.String(), "dropped")
	assert.Contains(t, logs.String(), "1 messages dropped")

	// Nothing new to report on the next show
	before := logs.String()
	require.NoError(t, relay.Execute(context.Background(), protocol.ShowCommand{}))
	assert.Equal(t, before, logs.String())
}
