// Package protocol implements the JSON wire envelope spoken between clients
// and the relay: a flat document with message_type, code, peer_id and a
// free-form content payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	keyMessageType = "message_type"
	keyCode        = "code"
	keyPeerID      = "peer_id"
	keyContent     = "content"
)

// Server-originated content values for SERVER messages.
const (
	ContentYourID = "your id"
	ContentDelete = "delete"
)

var (
	// ErrMalformed covers undecodable documents and envelopes missing the
	// required message_type/code fields.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownMessageType marks a well-formed envelope whose message_type is
	// outside the enumeration. Callers log and drop without closing the
	// connection.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Envelope is the parsed view of one inbound wire message.
//
// All original fields are retained so relay forwarding preserves the client's
// payload; the server only ever injects peer_id.
type Envelope struct {
	Type    MessageType
	Code    string
	Content json.RawMessage

	fields map[string]json.RawMessage
}

// Parse decodes an inbound wire message.
//
// A document that does not decode, or that lacks message_type or a non-empty
// code, fails with ErrMalformed. A decodable document with an unrecognized
// message_type fails with ErrUnknownMessageType.
func Parse(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawType, ok := fields[keyMessageType]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, keyMessageType)
	}
	var typeStr string
	if err := json.Unmarshal(rawType, &typeStr); err != nil {
		return nil, fmt.Errorf("%w: %s is not a string", ErrMalformed, keyMessageType)
	}

	rawCode, ok := fields[keyCode]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, keyCode)
	}
	var code string
	if err := json.Unmarshal(rawCode, &code); err != nil {
		return nil, fmt.Errorf("%w: %s is not a string", ErrMalformed, keyCode)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrMalformed, keyCode)
	}

	msgType, err := ParseMessageType(typeStr)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Type:    msgType,
		Code:    code,
		Content: fields[keyContent],
		fields:  fields,
	}, nil
}

// WithPeerID serializes the envelope with peer_id overwritten by the server's
// authoritative value. All other fields pass through unmodified.
func (e *Envelope) WithPeerID(id string) ([]byte, error) {
	stamped, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}
	out[keyPeerID] = stamped

	return json.Marshal(out)
}

// PositionContent is the decoded content of an inbound POSITION message.
// Exactly one of the three cases applies:
//   - Position non-nil: the client reports a new position.
//   - PeerID non-empty: the client asks for its distance to one peer.
//   - neither: the client asks for a distance snapshot of the whole room.
type PositionContent struct {
	Position *PositionTriple `json:"position"`
	PeerID   string          `json:"peer_id"`
}

// PositionTriple carries optional coordinates; absent components default to 0.
type PositionTriple struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (p *PositionTriple) Coords() (x, y, z float64) {
	if p.X != nil {
		x = *p.X
	}
	if p.Y != nil {
		y = *p.Y
	}
	if p.Z != nil {
		z = *p.Z
	}
	return x, y, z
}

// PositionContent decodes the envelope's content for POSITION dispatch. A
// missing or structurally alien content payload yields the zero value, which
// routes to the snapshot path.
func (e *Envelope) PositionContent() PositionContent {
	var pc PositionContent
	if len(e.Content) == 0 {
		return pc
	}
	if err := json.Unmarshal(e.Content, &pc); err != nil {
		return PositionContent{}
	}
	return pc
}

type serverMessage struct {
	MessageType MessageType `json:"message_type"`
	PeerID      string      `json:"peer_id"`
	Content     string      `json:"content"`
}

type volumeMessage struct {
	MessageType MessageType `json:"message_type"`
	PeerID      string      `json:"peer_id"`
	Content     volumeBody  `json:"content"`
}

type volumeBody struct {
	Volume float64 `json:"volume"`
}

type positionReport struct {
	MessageType MessageType        `json:"message_type"`
	Content     map[string]float64 `json:"content"`
}

// JoinAck is the SERVER reply informing a freshly joined client of its id.
func JoinAck(peerID string) ([]byte, error) {
	return json.Marshal(serverMessage{
		MessageType: MessageTypeServer,
		PeerID:      peerID,
		Content:     ContentYourID,
	})
}

// DepartureNotice is the SERVER broadcast announcing a disconnected peer.
func DepartureNotice(peerID string) ([]byte, error) {
	return json.Marshal(serverMessage{
		MessageType: MessageTypeServer,
		PeerID:      peerID,
		Content:     ContentDelete,
	})
}

// VolumeUpdate is the directed VOLUME message carrying a pairwise attenuation.
func VolumeUpdate(peerID string, volume float64) ([]byte, error) {
	return json.Marshal(volumeMessage{
		MessageType: MessageTypeVolume,
		PeerID:      peerID,
		Content:     volumeBody{Volume: volume},
	})
}

// PositionReport is the POSITION reply mapping peer ids to distances.
func PositionReport(distances map[string]float64) ([]byte, error) {
	return json.Marshal(positionReport{
		MessageType: MessageTypePosition,
		Content:     distances,
	})
}
