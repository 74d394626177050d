package directory

import (
	"github.com/aeolun/relaychat/pkg/protocol"
)

// Session is the directory state of one connection: at most one logged-in
// identity. A Session is owned by its connection handler and is not safe for
// concurrent use.
type Session struct {
	ID       uint64
	identity *protocol.Entry
}

// NewSession creates a session with no identity bound
func NewSession(id uint64) *Session {
	return &Session{ID: id}
}

// Identity returns the bound nickname and endpoint, if any
func (s *Session) Identity() (protocol.Entry, bool) {
	if s.identity == nil {
		return protocol.Entry{}, false
	}
	return *s.identity, true
}

// Handle applies a directory command to the registry on behalf of sess and
// returns the reply. A nil reply means the command had no effect.
func (r *Registry) Handle(sess *Session, cmd protocol.Command) protocol.Response {
	switch c := cmd.(type) {
	case protocol.LoginCommand:
		return r.login(sess, c)
	case protocol.SearchCommand:
		return r.search(c.Query)
	case protocol.LogoutCommand:
		if _, ok := r.release(sess); !ok {
			return nil
		}
		return protocol.LogoutResponse{}
	case protocol.ExitCommand:
		r.release(sess)
		return protocol.ExitResponse{}
	default:
		// Message and Show are relay commands
		return nil
	}
}

func (r *Registry) login(sess *Session, c protocol.LoginCommand) protocol.Response {
	if c.Nickname == "" || sess.identity != nil {
		return nil
	}
	if !r.Register(c.Nickname, c.Addr) {
		return nil
	}

	entry := protocol.Entry{Nickname: c.Nickname, Addr: c.Addr}
	sess.identity = &entry
	if r.observer != nil {
		r.observer.OnLogin(sess, entry)
	}
	return protocol.LoginResponse{Nickname: c.Nickname, Addr: c.Addr}
}

func (r *Registry) search(query string) protocol.Response {
	switch query {
	case "":
		return nil
	case protocol.SearchAll:
		entries := r.Snapshot()
		if len(entries) == 0 {
			return nil
		}
		return protocol.SearchResponse{Entries: entries}
	default:
		addr, ok := r.Lookup(query)
		if !ok {
			return nil
		}
		return protocol.SearchResponse{Entries: []protocol.Entry{{Nickname: query, Addr: addr}}}
	}
}

// Resolve answers the directory half of a relay Message: it looks up the
// recipient and returns its endpoint along with the text. The registry is
// not modified.
func (r *Registry) Resolve(recipient, text string) protocol.Response {
	if recipient == "" {
		return nil
	}
	addr, ok := r.Lookup(recipient)
	if !ok {
		return nil
	}
	return protocol.MessageResponse{Nickname: recipient, Text: text, Addr: addr}
}

// Release drops the identity bound to sess, if any. Connection handlers call
// it when a connection ends without Exit.
func (r *Registry) Release(sess *Session) {
	r.release(sess)
}

func (r *Registry) release(sess *Session) (protocol.Entry, bool) {
	if sess.identity == nil {
		return protocol.Entry{}, false
	}
	entry := *sess.identity
	sess.identity = nil
	r.Remove(entry.Nickname)

	if r.observer != nil {
		r.observer.OnLogout(sess, entry)
	}
	return entry, true
}
