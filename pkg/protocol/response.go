package protocol

import (
	"io"
	"net/netip"
)

// Response type constants (server → client, peer → peer)
const (
	TypeLoginResponse   uint8 = 0
	TypeSearchResponse  uint8 = 1
	TypeLogoutResponse  uint8 = 2
	TypeExitResponse    uint8 = 3
	TypeMessageResponse uint8 = 4
)

// Response is a reply to a Command. A nil Response is "no response": the
// request had no effect, and goes over the wire as a bare terminator.
type Response interface {
	Type() uint8
	Encode() []Packet
	String() string
}

// Entry is one directory listing: a nickname and its endpoint
type Entry struct {
	Nickname string
	Addr     netip.AddrPort
}

// LoginResponse (0) - echoes the registered nickname and endpoint
type LoginResponse struct {
	Nickname string
	Addr     netip.AddrPort
}

func (r LoginResponse) Type() uint8    { return TypeLoginResponse }
func (r LoginResponse) String() string { return "LOGIN_OK" }

func (r LoginResponse) Encode() []Packet {
	return []Packet{textPacket(TypeLoginResponse, r.Nickname), EncodeAddr(r.Addr)}
}

// SearchResponse (1) - one (name, address) packet pair per entry
type SearchResponse struct {
	Entries []Entry
}

func (r SearchResponse) Type() uint8    { return TypeSearchResponse }
func (r SearchResponse) String() string { return "SEARCH_RESULT" }

func (r SearchResponse) Encode() []Packet {
	packets := make([]Packet, 0, 2*len(r.Entries))
	for _, e := range r.Entries {
		packets = append(packets, textPacket(TypeSearchResponse, e.Nickname), EncodeAddr(e.Addr))
	}
	return packets
}

// LogoutResponse (2)
type LogoutResponse struct{}

func (r LogoutResponse) Type() uint8      { return TypeLogoutResponse }
func (r LogoutResponse) String() string   { return "LOGOUT_OK" }
func (r LogoutResponse) Encode() []Packet { return []Packet{NewPacket(TypeLogoutResponse, nil)} }

// ExitResponse (3)
type ExitResponse struct{}

func (r ExitResponse) Type() uint8      { return TypeExitResponse }
func (r ExitResponse) String() string   { return "EXIT_OK" }
func (r ExitResponse) Encode() []Packet { return []Packet{NewPacket(TypeExitResponse, nil)} }

// MessageResponse (4) - resolves a message recipient to its endpoint
type MessageResponse struct {
	Nickname string
	Text     string
	Addr     netip.AddrPort
}

func (r MessageResponse) Type() uint8    { return TypeMessageResponse }
func (r MessageResponse) String() string { return "MESSAGE_ROUTE" }

func (r MessageResponse) Encode() []Packet {
	return []Packet{
		textPacket(TypeMessageResponse, r.Nickname),
		textPacket(TypeMessageResponse, r.Text),
		EncodeAddr(r.Addr),
	}
}

// ResponseName returns a printable name for a possibly nil response
func ResponseName(resp Response) string {
	if resp == nil {
		return "NO_RESPONSE"
	}
	return resp.String()
}

// WriteResponse writes a response as one terminated message. A nil
// response writes the bare terminator.
func WriteResponse(w io.Writer, resp Response) error {
	if resp == nil {
		return WriteMessage(w, nil)
	}
	return WriteMessage(w, resp.Encode())
}

// ReadResponse reads one message and decodes it as a response
func ReadResponse(r io.Reader) (Response, error) {
	packets, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(packets)
}

// DecodeResponse decodes the packets of one message. Zero packets decode to
// a nil Response with no error.
func DecodeResponse(packets []Packet) (Response, error) {
	if len(packets) == 0 {
		return nil, nil
	}

	head := packets[0]
	switch head.Type {
	case TypeLoginResponse:
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
		return LoginResponse{Nickname: nickname, Addr: addr}, nil

	case TypeSearchResponse:
		if len(packets)%2 != 0 {
			return nil, decodeErrorf("search result has %d packets, want name/address pairs", len(packets))
		}
		entries := make([]Entry, 0, len(packets)/2)
		for i := 0; i < len(packets); i += 2 {
			if err := expectTag(packets[i], TypeSearchResponse); err != nil {
				return nil, err
			}
			nickname, err := packetText(packets[i])
			if err != nil {
				return nil, err
			}
			addr, err := DecodeAddr(packets[i+1])
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Nickname: nickname, Addr: addr})
		}
		return SearchResponse{Entries: entries}, nil

	case TypeLogoutResponse:
		if err := expectPackets(packets, 1); err != nil {
			return nil, err
		}
		return LogoutResponse{}, nil

	case TypeExitResponse:
		if err := expectPackets(packets, 1); err != nil {
			return nil, err
		}
		return ExitResponse{}, nil

	case TypeMessageResponse:
		if err := expectPackets(packets, 3); err != nil {
			return nil, err
		}
		if err := expectTag(packets[1], TypeMessageResponse); err != nil {
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
		addr, err := DecodeAddr(packets[2])
		if err != nil {
			return nil, err
		}
		return MessageResponse{Nickname: nickname, Text: text, Addr: addr}, nil

	default:
		return nil, decodeErrorf("unknown response tag %d", head.Type)
	}
}
