// Package protocol defines the relay wire protocol: JSON packets terminated
// by a single NUL delimiter byte on a persistent TCP stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Delimiter terminates every encoded packet on the wire. JSON text never
// contains a raw NUL byte (encoding/json escapes control characters), so the
// delimiter is unambiguous.
const Delimiter byte = 0

// Packet type discriminants.
const (
	TypeUpdateClientData = "UPDATE_CLIENT_DATA"
	TypeAllClientData    = "ALL_CLIENT_DATA"
	TypeServerMessage    = "SERVER_MESSAGE"
	TypeDisableAnchor    = "DISABLE_ANCHOR"
	TypeRequestSaveState = "REQUEST_SAVE_STATE"
	TypePushSaveState    = "PUSH_SAVE_STATE"
	TypeGameComplete     = "GAME_COMPLETE"
	TypeHeartbeat        = "HEARTBEAT"
)

var validTypes = map[string]bool{
	TypeUpdateClientData: true,
	TypeAllClientData:    true,
	TypeServerMessage:    true,
	TypeDisableAnchor:    true,
	TypeRequestSaveState: true,
	TypePushSaveState:    true,
	TypeGameComplete:     true,
	TypeHeartbeat:        true,
}

// ValidType reports whether t is a recognized packet type.
func ValidType(t string) bool {
	return validTypes[t]
}

// ErrMissingType is returned when a packet has no "type" field.
var ErrMissingType = errors.New("packet missing type")

// ErrUnknownType is returned when a packet's "type" is not recognized.
var ErrUnknownType = errors.New("unknown packet type")

// Envelope field names shared by every packet type.
const (
	fieldType           = "type"
	fieldClientID       = "clientId"
	fieldRoomID         = "roomId"
	fieldQuiet          = "quiet"
	fieldTargetClientID = "targetClientId"
	fieldData           = "data"
	fieldClients        = "clients"
	fieldMessage        = "message"
)

// Packet is one relay protocol message. The envelope fields are shared by
// all types; Data, Clients, and Message carry the type-specific payload.
// Fields the protocol does not recognize are kept verbatim in Extra so that
// opaque payloads (notably PUSH_SAVE_STATE) round-trip untouched.
type Packet struct {
	// Type is the packet discriminant.
	Type string
	// ClientID is the sender's session id. The server stamps it on every
	// inbound packet regardless of what the client supplied.
	ClientID int64
	// RoomID names the room to join or act in.
	RoomID string
	// Quiet suppresses per-packet logging. It never affects delivery.
	Quiet bool
	// TargetClientID, when non-zero, requests point-to-point delivery to
	// that room member instead of a broadcast.
	TargetClientID int64
	// Data is the UPDATE_CLIENT_DATA payload.
	Data map[string]any
	// Clients is the ALL_CLIENT_DATA payload: one entry per other room
	// member, each with a "clientId" key plus that member's data.
	Clients []map[string]any
	// Message is the SERVER_MESSAGE payload.
	Message string
	// Extra holds unrecognized fields verbatim.
	Extra map[string]json.RawMessage
}

// UnmarshalJSON decodes a packet, splitting envelope fields from the opaque
// remainder.
func (p *Packet) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	*p = Packet{}
	for key, raw := range fields {
		var err error
		switch key {
		case fieldType:
			err = json.Unmarshal(raw, &p.Type)
		case fieldClientID:
			err = json.Unmarshal(raw, &p.ClientID)
		case fieldRoomID:
			err = json.Unmarshal(raw, &p.RoomID)
		case fieldQuiet:
			err = json.Unmarshal(raw, &p.Quiet)
		case fieldTargetClientID:
			err = json.Unmarshal(raw, &p.TargetClientID)
		case fieldData:
			err = json.Unmarshal(raw, &p.Data)
		case fieldClients:
			err = json.Unmarshal(raw, &p.Clients)
		case fieldMessage:
			err = json.Unmarshal(raw, &p.Message)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[key] = raw
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

// MarshalJSON encodes a packet, emitting envelope fields only when set and
// appending the opaque remainder.
func (p Packet) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(p.Extra)+8)
	for key, raw := range p.Extra {
		fields[key] = raw
	}

	fields[fieldType] = p.Type
	if p.ClientID != 0 {
		fields[fieldClientID] = p.ClientID
	}
	if p.RoomID != "" {
		fields[fieldRoomID] = p.RoomID
	}
	if p.Quiet {
		fields[fieldQuiet] = p.Quiet
	}
	if p.TargetClientID != 0 {
		fields[fieldTargetClientID] = p.TargetClientID
	}
	if p.Data != nil {
		fields[fieldData] = p.Data
	}
	if p.Clients != nil {
		fields[fieldClients] = p.Clients
	}
	if p.Message != "" || p.Type == TypeServerMessage {
		fields[fieldMessage] = p.Message
	}

	return json.Marshal(fields)
}

// Decode parses one framed payload (without its delimiter) into a Packet.
//
// Postcondition: Returns a packet with a recognized Type, or an error. A
// decode error never affects connection state; callers log and discard.
func Decode(payload []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(payload, &p); err != nil {
		return Packet{}, fmt.Errorf("parsing packet: %w", err)
	}
	if p.Type == "" {
		return Packet{}, ErrMissingType
	}
	if !ValidType(p.Type) {
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	return p, nil
}

// EncodeFrame serializes a packet and appends the wire delimiter.
//
// Postcondition: Returns the complete frame ready to write, or an error.
func EncodeFrame(p Packet) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding packet: %w", err)
	}
	return append(b, Delimiter), nil
}

// Heartbeat returns a liveness ping packet.
func Heartbeat() Packet {
	return Packet{Type: TypeHeartbeat}
}

// ServerMessage returns an operator/system notice packet.
func ServerMessage(message string) Packet {
	return Packet{Type: TypeServerMessage, Message: message}
}

// DisableAnchor returns the operator directive that tells a client to stop
// using the relay.
func DisableAnchor() Packet {
	return Packet{Type: TypeDisableAnchor}
}
