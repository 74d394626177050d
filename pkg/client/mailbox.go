package client

import (
	"sort"
	"sync"
)

// Mail is everything one sender delivered since the last drain, oldest first
type Mail struct {
	Sender string
	Texts  []string
}

// Mailbox buffers messages received from peers, keyed by sender nickname.
// It is shared by the inbound connection handlers and the command loop.
type Mailbox struct {
	mu           sync.Mutex
	bySender     map[string][]string
	maxSenders   int
	maxPerSender int
	dropped      uint64
}

// NewMailbox creates a mailbox holding at most maxSenders senders and
// maxPerSender texts per sender. Zero or negative means unbounded.
func NewMailbox(maxSenders, maxPerSender int) *Mailbox {
	return &Mailbox{
		bySender:     make(map[string][]string),
		maxSenders:   maxSenders,
		maxPerSender: maxPerSender,
	}
}

// Append stores text under sender. It reports false when the text was
// dropped because the mailbox already holds maxSenders other senders.
func (m *Mailbox) Append(sender, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	texts, ok := m.bySender[sender]
	if !ok && m.maxSenders > 0 && len(m.bySender) >= m.maxSenders {
		m.dropped++
		return false
	}

	texts = append(texts, text)
	if m.maxPerSender > 0 && len(texts) > m.maxPerSender {
		// Oldest go first. Reslicing leaves the copy to append's next growth.
		excess := len(texts) - m.maxPerSender
		m.dropped += uint64(excess)
		texts = texts[excess:]
	}
	m.bySender[sender] = texts
	return true
}

// Drain removes and returns everything buffered, sorted by sender
func (m *Mailbox) Drain() []Mail {
	m.mu.Lock()
	bySender := m.bySender
	m.bySender = make(map[string][]string)
	m.mu.Unlock()

	mail := make([]Mail, 0, len(bySender))
	for sender, texts := range bySender {
		mail = append(mail, Mail{Sender: sender, Texts: texts})
	}
	sort.Slice(mail, func(i, j int) bool { return mail[i].Sender < mail[j].Sender })
	return mail
}

// Len returns the number of buffered texts across all senders
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, texts := range m.bySender {
		n += len(texts)
	}
	return n
}

// Dropped returns how many texts were discarded by the bounds
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
