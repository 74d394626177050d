package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxPacketSize is the maximum allowed packet length (1 MB)
	MaxPacketSize = 1024 * 1024
)

var (
	ErrPacketTooLarge = errors.New("packet exceeds maximum size (1 MB)")
	ErrFraming        = errors.New("framing error")
	ErrDecode         = errors.New("decode error")
)

func framingErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFraming, fmt.Sprintf(format, args...))
}

func decodeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// terminator ends every message on the wire
var terminator = []byte{0, 0, 0, 0}

// Packet is the atomic framing unit
// Format: [Length (4 bytes)][Type (1 byte)][Payload (Length-1 bytes)]
// Length counts the type byte plus the payload. A zero Length marks the end
// of a message and carries neither type nor payload.
type Packet struct {
	Length  uint32
	Type    uint8
	Payload []byte
}

// NewPacket builds a packet with its length filled in
func NewPacket(tag uint8, payload []byte) Packet {
	if payload == nil {
		payload = []byte{}
	}
	return Packet{
		Length:  uint32(1 + len(payload)),
		Type:    tag,
		Payload: payload,
	}
}

// IsTerminator reports whether p is the zero-length end-of-message sentinel
func (p Packet) IsTerminator() bool {
	return p.Length == 0
}

// EncodePacket writes a packet to the writer. A terminator packet writes nothing.
func EncodePacket(w io.Writer, p Packet) error {
	if p.IsTerminator() {
		return nil
	}

	if p.Length > MaxPacketSize {
		return ErrPacketTooLarge
	}
	if int(p.Length) != 1+len(p.Payload) {
		return fmt.Errorf("packet length %d does not match payload size %d", p.Length, len(p.Payload))
	}

	if err := WriteUint32(w, p.Length); err != nil {
		return err
	}
	if err := WriteUint8(w, p.Type); err != nil {
		return err
	}
	if len(p.Payload) > 0 {
		_, err := w.Write(p.Payload)
		return err
	}
	return nil
}

// WriteMessage writes packets followed by the zero-length terminator in a
// single write. An empty packet list is the "no response" message.
func WriteMessage(w io.Writer, packets []Packet) error {
	buf := new(bytes.Buffer)
	for _, p := range packets {
		if err := EncodePacket(buf, p); err != nil {
			return err
		}
	}
	buf.Write(terminator)

	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeMessage is a helper that encodes a message to a byte slice
func EncodeMessage(packets []Packet) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteMessage(buf, packets); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadMessage reads packets until a zero-length prefix or a clean end of
// stream. io.EOF is returned only when the stream ends before any packet.
func ReadMessage(r io.Reader) ([]Packet, error) {
	packets := make([]Packet, 0, 2)
	for {
		length, err := ReadUint32(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(packets) == 0 {
					return nil, io.EOF
				}
				return packets, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, framingErrorf("truncated length prefix")
			}
			return nil, err
		}

		if length == 0 {
			return packets, nil
		}
		if length > MaxPacketSize {
			return nil, framingErrorf("packet length %d exceeds maximum", length)
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, framingErrorf("expected %d bytes, stream ended early", length)
			}
			return nil, err
		}

		packets = append(packets, Packet{
			Length:  length,
			Type:    body[0],
			Payload: body[1:],
		})
	}
}

// DecodeMessage is a helper that decodes one message from a byte slice
func DecodeMessage(data []byte) ([]Packet, error) {
	return ReadMessage(bytes.NewReader(data))
}
