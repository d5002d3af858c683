package protocol

import "fmt"

// MessageType enumerates the wire message kinds.
type MessageType string

const (
	MessageTypeSDP       MessageType = "SDP"
	MessageTypeCandidate MessageType = "CANDIDATE"
	MessageTypeServer    MessageType = "SERVER"
	MessageTypeVolume    MessageType = "VOLUME"
	MessageTypePosition  MessageType = "POSITION"
)

func (t MessageType) String() string { return string(t) }

// Relay reports whether an inbound message of this type is forwarded to the
// sender's room peers. POSITION messages are consumed by the server instead.
func (t MessageType) Relay() bool {
	switch t {
	case MessageTypeSDP, MessageTypeCandidate, MessageTypeServer, MessageTypeVolume:
		return true
	default:
		return false
	}
}

// ParseMessageType maps a wire string onto the enumeration.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageTypeSDP, MessageTypeCandidate, MessageTypeServer, MessageTypeVolume, MessageTypePosition:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
}
