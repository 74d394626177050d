// Package directory holds the nickname → endpoint registry shared by every
// connection of the rendezvous server, and the per-connection session state
// machine that interprets directory commands against it.
package directory

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Observer is notified after the registry changes. Calls happen outside the
// registry lock.
type Observer interface {
	OnLogin(sess *Session, entry protocol.Entry)
	OnLogout(sess *Session, entry protocol.Entry)
}

// Limits bounds what the registry accepts. Zero values mean unlimited.
type Limits struct {
	MaxUsers          int
	MaxNicknameLength int
}

// Registry maps nicknames to endpoints. Keys are unique.
type Registry struct {
	mu       sync.Mutex
	users    map[string]netip.AddrPort
	limits   Limits
	observer Observer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]netip.AddrPort),
	}
}

// SetLimits replaces the registry limits
func (r *Registry) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
}

// SetObserver attaches an observer. Must be called before the registry is shared.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Register inserts name → addr if name is free. Check and insert are atomic:
// of several concurrent registrations of one name exactly one succeeds.
func (r *Registry) Register(name string, addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.users[name]; taken {
		return false
	}
	if r.limits.MaxNicknameLength > 0 && len(name) > r.limits.MaxNicknameLength {
		return false
	}
	if r.limits.MaxUsers > 0 && len(r.users) >= r.limits.MaxUsers {
		return false
	}
	r.users[name] = addr
	return true
}

// Remove deletes name, reporting whether it was present
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[name]; !ok {
		return false
	}
	delete(r.users, name)
	return true
}

// Lookup returns the endpoint registered for name
func (r *Registry) Lookup(name string) (netip.AddrPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.users[name]
	return addr, ok
}

// Snapshot returns a copy of every entry, sorted by nickname
func (r *Registry) Snapshot() []protocol.Entry {
	r.mu.Lock()
	entries := make([]protocol.Entry, 0, len(r.users))
	for name, addr := range r.users {
		entries = append(entries, protocol.Entry{Nickname: name, Addr: addr})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Nickname < entries[j].Nickname
	})
	return entries
}

// Len returns the number of registered nicknames
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.users)
}
