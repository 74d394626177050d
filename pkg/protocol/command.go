package protocol

import (
	"io"
	"net/netip"
)

// Command type constants (client → server, client → peer)
const (
	TypeLoginCommand   uint8 = 0
	TypeLogoutCommand  uint8 = 1
	TypeSearchCommand  uint8 = 2
	TypeExitCommand    uint8 = 3
	TypeMessageCommand uint8 = 4
	TypeShowCommand    uint8 = 5
)

// SearchAll is the query that lists every registered user
const SearchAll = "all"

// Command is a request sent to the directory or to a peer
type Command interface {
	// Type returns the tag of the command's first packet
	Type() uint8
	// Encode returns the packets of the command, in wire order
	Encode() []Packet
	String() string
}

// LoginCommand (0) - register a nickname and listening endpoint
type LoginCommand struct {
	Nickname string
	Addr     netip.AddrPort
}

func (c LoginCommand) Type() uint8    { return TypeLoginCommand }
func (c LoginCommand) String() string { return "LOGIN" }

func (c LoginCommand) Encode() []Packet {
	return []Packet{textPacket(TypeLoginCommand, c.Nickname), EncodeAddr(c.Addr)}
}

// LogoutCommand (1) - drop the connection's registration
type LogoutCommand struct{}

func (c LogoutCommand) Type() uint8      { return TypeLogoutCommand }
func (c LogoutCommand) String() string   { return "LOGOUT" }
func (c LogoutCommand) Encode() []Packet { return []Packet{NewPacket(TypeLogoutCommand, nil)} }

// SearchCommand (2) - look up a nickname, or every user with SearchAll
type SearchCommand struct {
	Query string
}

func (c SearchCommand) Type() uint8    { return TypeSearchCommand }
func (c SearchCommand) String() string { return "SEARCH" }

func (c SearchCommand) Encode() []Packet {
	return []Packet{textPacket(TypeSearchCommand, c.Query)}
}

// ExitCommand (3) - deregister and close
type ExitCommand struct{}

func (c ExitCommand) Type() uint8      { return TypeExitCommand }
func (c ExitCommand) String() string   { return "EXIT" }
func (c ExitCommand) Encode() []Packet { return []Packet{NewPacket(TypeExitCommand, nil)} }

// MessageCommand (4) - chat text. Towards the directory Nickname is the
// recipient to resolve; on a peer link it is the sender.
type MessageCommand struct {
	Nickname string
	Text     string
}

func (c MessageCommand) Type() uint8    { return TypeMessageCommand }
func (c MessageCommand) String() string { return "MESSAGE" }

func (c MessageCommand) Encode() []Packet {
	return []Packet{
		textPacket(TypeMessageCommand, c.Nickname),
		textPacket(TypeMessageCommand, c.Text),
	}
}

// ShowCommand (5) - local mailbox display, never answered by the directory
type ShowCommand struct{}

func (c ShowCommand) Type() uint8      { return TypeShowCommand }
func (c ShowCommand) String() string   { return "SHOW" }
func (c ShowCommand) Encode() []Packet { return []Packet{NewPacket(TypeShowCommand, nil)} }

// WriteCommand writes a command as one terminated message
func WriteCommand(w io.Writer, cmd Command) error {
	return WriteMessage(w, cmd.Encode())
}

// ReadCommand reads one message and decodes it as a command. Read and
// framing errors are returned as is; a malformed message yields ErrDecode.
func ReadCommand(r io.Reader) (Command, error) {
	packets, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	return DecodeCommand(packets)
}

// DecodeCommand decodes the packets of one message. The first packet's tag
// selects the variant, which must consume every packet in order.
func DecodeCommand(packets []Packet) (Command, error) {
	if len(packets) == 0 {
		return nil, decodeErrorf("empty command")
	}

	head := packets[0]
	switch head.Type {
	case TypeLoginCommand:
		if err := expectPackets(packets, 2); err != nil {
			return nil, err
		}
		nickname, err := packetText(head)
		if err != nil {
			return nil, err
		}
		addr, err := DecodeAddr(packets[1])
		if err != nil {
			return nil, err
		}
		return LoginCommand{Nickname: nickname, Addr: addr}, nil

	case TypeLogoutCommand:
		if err := expectPackets(packets, 1); err != nil {
			return nil, err
		}
		return LogoutCommand{}, nil

	case TypeSearchCommand:
		if err := expectPackets(packets, 1); err != nil {
			return nil, err
		}
		query, err := packetText(head)
		if err != nil {
			return nil, err
		}
		return SearchCommand{Query: query}, nil

	case TypeExitCommand:
		if err := expectPackets(packets, 1); err != nil {
			return nil, err
		}
		return ExitCommand{}, nil

	case TypeMessageCommand:
		if err := expectPackets(packets, 2); err != nil {
			return nil, err
		}
		if err := expectTag(packets[1], TypeMessageCommand); err != nil {
			return nil, err
		}
		nickname, err := packetText(head)
		if err != nil {
			return nil, err
		}
		text, err := packetText(packets[1])
		if err != nil {
			return nil, err
		}
		return MessageCommand{Nickname: nickname, Text: text}, nil

	case TypeShowCommand:
		if err := expectPackets(packets, 1); err != nil {
			return nil, err
		}
		return ShowCommand{}, nil

	default:
		return nil, decodeErrorf("unknown command tag %d", head.Type)
	}
}

func expectPackets(packets []Packet, n int) error {
	if len(packets) != n {
		return decodeErrorf("tag %d needs %d packets, got %d", packets[0].Type, n, len(packets))
	}
	return nil
}

func expectTag(p Packet, tag uint8) error {
	if p.Type != tag {
		return decodeErrorf("expected packet tag %d, got %d", tag, p.Type)
	}
	return nil
}
