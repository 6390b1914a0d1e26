package protocol

import (
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{TagNatPacket})
	f.Add([]byte("\x08OK"))
	f.Add([]byte("\x08Hello 2"))
	f.Add([]byte{0xFF, 0x00}) // Unknown tag
	f.Add([]byte{TagNatPacket, 0xC3, 0x28})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(data)
		if err != nil {
			return
		}
		if p.Tag != TagNatPacket {
			t.Fatalf("decoded tag 0x%02x", p.Tag)
		}
		if len(p.Text) != len(data)-TagSize {
			t.Fatalf("text length %d, datagram length %d", len(p.Text), len(data))
		}
	})
}

func FuzzEncodeDecode(f *testing.F) {
	f.Add("2")
	f.Add("Hello 2")
	f.Add("")
	f.Add("ünïcödé")

	f.Fuzz(func(t *testing.T, text string) {
		encoded, err := EncodeIdentification(text)
		if err != nil {
			return // Too long
		}

		p, err := Decode(encoded)
		if err != nil {
			// Only invalid UTF-8 may fail after a successful encode.
			if err != ErrInvalidToken {
				t.Fatalf("decode failed after successful encode: %v", err)
			}
			return
		}
		if p.Text != text {
			t.Errorf("text mismatch after roundtrip: %q != %q", p.Text, text)
		}
	})
}
