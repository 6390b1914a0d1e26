package protocol

import (
	"testing"
)

func BenchmarkEncodeIdentification(b *testing.B) {
	msg := RelayProbeMessage("5f1c2d9e-7a51-4c2e-9f0e-3b8d1a6c4e21")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeIdentification(msg)
	}
}

func BenchmarkDecode(b *testing.B) {
	data, _ := EncodeIdentification(RelayProbeMessage("5f1c2d9e-7a51-4c2e-9f0e-3b8d1a6c4e21"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(data)
	}
}

func BenchmarkDecode_UnknownTag(b *testing.B) {
	data := []byte{0x01, 'x', 'y', 'z'}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(data)
	}
}

func BenchmarkMatchToken(b *testing.B) {
	token := "5f1c2d9e-7a51-4c2e-9f0e-3b8d1a6c4e21"
	payload := DirectProbeMessage(token)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MatchToken(payload, token)
	}
}
