package protocol

// Event names carried on the event bus. Both events have the arguments
// (source "ip:port", payload string), where payload is a bare token or a
// probe message ending in the token.
const (
	// EventRelayedPacket is published by the NAT relay listener when an
	// identification packet arrives on the relay port.
	EventRelayedPacket = "relayed_packet_received"

	// EventDirectPacket is published by the game-connection layer when a
	// peer's client reports it received a probe packet directly.
	EventDirectPacket = "direct_packet_reported"
)
