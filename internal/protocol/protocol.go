// Package protocol implements the NAT relay wire format: a one-byte tag
// followed by a UTF-8 payload.
//
// A client identifies itself with TagNatPacket followed by a token (or a
// greeting ending in the token); the server acknowledges with TagNatPacket
// followed by "OK".
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Protocol constants.
const (
	// TagNatPacket identifies NAT probe packets and their acknowledgements.
	TagNatPacket byte = 0x08

	// AckPayload is the acknowledgement body sent back to the client.
	AckPayload = "OK"

	// MaxPacketSize is the largest datagram the relay reads.
	MaxPacketSize = 512

	// TagSize is the size of the leading tag.
	TagSize = 1
)

// Probe message texts. The token is always the last space-separated word.
const (
	directProbePrefix = "Are you public? "
	relayProbePrefix  = "Hello "
)

// Errors returned by Decode.
var (
	ErrEmptyPacket   = errors.New("empty packet")
	ErrUnknownTag    = errors.New("unknown packet tag")
	ErrInvalidToken  = errors.New("token is not valid UTF-8")
	ErrPacketTooLong = errors.New("packet exceeds maximum size")
)

// LayerTypeNatPacket is the gopacket layer type of a NAT relay packet.
var LayerTypeNatPacket = gopacket.RegisterLayerType(4308, gopacket.LayerTypeMetadata{
	Name:    "NatPacket",
	Decoder: gopacket.DecodeFunc(decodeNatPacket),
})

// NatPacket is a decoded relay packet.
type NatPacket struct {
	layers.BaseLayer
	Tag  byte
	Text string
}

// LayerType implements gopacket.Layer.
func (p *NatPacket) LayerType() gopacket.LayerType { return LayerTypeNatPacket }

// CanDecode implements gopacket.DecodingLayer.
func (p *NatPacket) CanDecode() gopacket.LayerClass { return LayerTypeNatPacket }

// NextLayerType implements gopacket.DecodingLayer. The text is carried as
// a raw payload layer.
func (p *NatPacket) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes implements gopacket.DecodingLayer. Any tag is accepted
// here; Decode enforces TagNatPacket.
func (p *NatPacket) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < TagSize {
		df.SetTruncated()
		return ErrEmptyPacket
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLong, len(data))
	}
	body := data[TagSize:]
	if !utf8.Valid(body) {
		return ErrInvalidToken
	}
	p.BaseLayer = layers.BaseLayer{Contents: data[:TagSize], Payload: body}
	p.Tag = data[0]
	p.Text = string(body)
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (p *NatPacket) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if TagSize+len(p.Text) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLong, TagSize+len(p.Text))
	}
	buf, err := b.PrependBytes(TagSize + len(p.Text))
	if err != nil {
		return err
	}
	buf[0] = p.Tag
	copy(buf[TagSize:], p.Text)
	return nil
}

func decodeNatPacket(data []byte, pb gopacket.PacketBuilder) error {
	p := &NatPacket{}
	if err := p.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(p)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}

// Decode parses a datagram. Empty datagrams return ErrEmptyPacket and
// datagrams with any tag other than TagNatPacket return ErrUnknownTag; both
// are expected noise on a public port.
func Decode(data []byte) (*NatPacket, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	if data[0] != TagNatPacket {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, data[0])
	}
	p := &NatPacket{}
	if err := p.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes a packet with the given tag and payload.
func Encode(tag byte, payload string) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &NatPacket{Tag: tag, Text: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeAck returns the acknowledgement datagram (0x08 "OK").
func EncodeAck() []byte {
	return []byte{TagNatPacket, 'O', 'K'}
}

// EncodeIdentification returns the identification datagram for payload.
func EncodeIdentification(payload string) ([]byte, error) {
	return Encode(TagNatPacket, payload)
}

// IsAck reports whether data is an acknowledgement datagram.
func IsAck(data []byte) bool {
	return len(data) == TagSize+len(AckPayload) && data[0] == TagNatPacket && string(data[TagSize:]) == AckPayload
}

// DirectProbeMessage is the text the game host sends straight to a peer.
func DirectProbeMessage(token string) string {
	return directProbePrefix + token
}

// RelayProbeMessage is the text a peer's client sends to the relay port.
// It is sent as an identification packet.
func RelayProbeMessage(token string) string {
	return relayProbePrefix + token
}

// MatchToken reports whether payload carries token, either bare or as the
// final word of a probe message.
func MatchToken(payload, token string) bool {
	if token == "" {
		return false
	}
	return payload == token || strings.HasSuffix(payload, " "+token)
}
