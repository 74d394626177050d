package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const separator = "-------------------"

// Presenter is where a Relay reports what happened
type Presenter interface {
	Prompt()
	LoggedIn(entry protocol.Entry)
	LoggedOut()
	Exited()
	SearchResults(entries []protocol.Entry)
	ShowMail(mail []Mail)
	NoEffect(cmd protocol.Command)
	Error(err error)
}

// ConsolePresenter writes plain text for an interactive terminal
type ConsolePresenter struct {
	w          io.Writer
	showPrompt bool
	mu         sync.Mutex
}

// NewConsolePresenter writes to w. The "> " prompt is printed only when
// showPrompt is set.
func NewConsolePresenter(w io.Writer, showPrompt bool) *ConsolePresenter {
	return &ConsolePresenter{w: w, showPrompt: showPrompt}
}

func (p *ConsolePresenter) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// Prompt implements Presenter
func (p *ConsolePresenter) Prompt() {
	if p.showPrompt {
		p.printf("> ")
	}
}

// LoggedIn implements Presenter
func (p *ConsolePresenter) LoggedIn(entry protocol.Entry) {
	p.printf("Logged in as %s\nAt %s\n", entry.Nickname, entry.Addr)
}

// LoggedOut implements Presenter
func (p *ConsolePresenter) LoggedOut() {
	p.printf("Logged out\n")
}

// Exited implements Presenter
func (p *ConsolePresenter) Exited() {
	p.printf("You exited\n")
}

// SearchResults implements Presenter
func (p *ConsolePresenter) SearchResults(entries []protocol.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, separator)
	for _, e := range entries {
		fmt.Fprintf(p.w, "name: %s\nAddress: %s\n%s\n", e.Nickname, e.Addr, separator)
	}
}

// ShowMail implements Presenter
func (p *ConsolePresenter) ShowMail(mail []Mail) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range mail {
		for _, text := range m.Texts {
			fmt.Fprintf(p.w, "%s: %s\n", m.Sender, text)
		}
	}
}

// NoEffect implements Presenter
func (p *ConsolePresenter) NoEffect(cmd protocol.Command) {
	p.printf("%s: request had no effect\n", cmd)
}

// Error implements Presenter
func (p *ConsolePresenter) Error(err error) {
	p.printf("error: %v\n", err)
}
