package protocol

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Represents an operation a connected participant can request
type ClientMessageType string

const (
	ClientJoin        ClientMessageType = "join"
	ClientUpdateField ClientMessageType = "updateField"
	ClientLockField   ClientMessageType = "lockField"
	ClientUnlockField ClientMessageType = "unlockField"
	ClientSetTyping   ClientMessageType = "setTyping"
	ClientLeave       ClientMessageType = "leave"
)

// Inbound frame from a connection. The form id is carried by the
// connection itself (ws path), not repeated per message.
type ClientMessage struct {
	Type          ClientMessageType `json:"type"`
	ParticipantID string            `json:"participantId,omitempty"`
	DisplayName   string            `json:"displayName,omitempty"`
	FieldID       string            `json:"fieldId,omitempty"`
	Value         string            `json:"value,omitempty"`
	IsTyping      bool              `json:"isTyping,omitempty"`
}

func ParseClientMessage(data []byte) (*ClientMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Type {
	case ClientJoin, ClientUpdateField, ClientLockField, ClientUnlockField,
		ClientSetTyping, ClientLeave:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

// The closed set of events a room can emit to its members
type EventType string

const (
	EventActiveUsers      EventType = "activeUsers"
	EventUserJoined       EventType = "userJoined"
	EventUserLeft         EventType = "userLeft"
	EventFieldUpdated     EventType = "fieldUpdated"
	EventFieldLocked      EventType = "fieldLocked"
	EventFieldUnlocked    EventType = "fieldUnlocked"
	EventTypingChanged    EventType = "typingChanged"
	EventStructureChanged EventType = "structureChanged"
	EventRoomTerminated   EventType = "roomTerminated"
	EventUnlockAllFields  EventType = "unlockAllFieldsForUser"
	EventError            EventType = "error"
)

// Outbound frame. Payload shape depends on Type.
type ServerMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// One participant as seen by room members
type Participant struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// One field of a form's schema, as relayed by structureChanged
type Field struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Type  string `json:"type,omitempty"`
}

type RoomSnapshotPayload struct {
	Users []Participant `json:"users"`
}

type UserLeftPayload struct {
	ParticipantID string        `json:"participantId"`
	DisplayName   string        `json:"displayName"`
	Users         []Participant `json:"users"`
}

type FieldUpdatedPayload struct {
	FieldID   string    `json:"fieldId"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type FieldLockedPayload struct {
	FieldID       string `json:"fieldId"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

type FieldUnlockedPayload struct {
	FieldID string `json:"fieldId"`
}

type TypingChangedPayload struct {
	FieldID     string `json:"fieldId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

type StructureChangedPayload struct {
	Fields []Field `json:"fields"`
}

type RoomTerminatedPayload struct {
	Reason string `json:"reason"`
}

type UnlockAllFieldsPayload struct {
	ParticipantID string `json:"participantId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newServerMessage(t EventType, payload interface{}) ServerMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types above contain only plain data; this should not happen.
		log.Printf("protocol: failed to marshal %s payload: %v", t, err)
	}
	return ServerMessage{Type: t, Payload: data}
}

func NewActiveUsers(users []Participant) ServerMessage {
	return newServerMessage(EventActiveUsers, RoomSnapshotPayload{Users: users})
}

func NewUserJoined(users []Participant) ServerMessage {
	return newServerMessage(EventUserJoined, RoomSnapshotPayload{Users: users})
}

func NewUserLeft(participantID, displayName string, users []Participant) ServerMessage {
	return newServerMessage(EventUserLeft, UserLeftPayload{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Users:         users,
	})
}

func NewFieldUpdated(fieldID, value, updatedBy string, updatedAt time.Time) ServerMessage {
	return newServerMessage(EventFieldUpdated, FieldUpdatedPayload{
		FieldID:   fieldID,
		Value:     value,
		UpdatedBy: updatedBy,
		UpdatedAt: updatedAt,
	})
}

func NewFieldLocked(fieldID, participantID, displayName string) ServerMessage {
	return newServerMessage(EventFieldLocked, FieldLockedPayload{
		FieldID:       fieldID,
		ParticipantID: participantID,
		DisplayName:   displayName,
	})
}

func NewFieldUnlocked(fieldID string) ServerMessage {
	return newServerMessage(EventFieldUnlocked, FieldUnlockedPayload{FieldID: fieldID})
}

func NewTypingChanged(fieldID, displayName string, isTyping bool) ServerMessage {
	return newServerMessage(EventTypingChanged, TypingChangedPayload{
		FieldID:     fieldID,
		DisplayName: displayName,
		IsTyping:    isTyping,
	})
}

func NewStructureChanged(fields []Field) ServerMessage {
	return newServerMessage(EventStructureChanged, StructureChangedPayload{Fields: fields})
}

func NewRoomTerminated(reason string) ServerMessage {
	return newServerMessage(EventRoomTerminated, RoomTerminatedPayload{Reason: reason})
}

func NewUnlockAllFields(participantID string) ServerMessage {
	return newServerMessage(EventUnlockAllFields, UnlockAllFieldsPayload{ParticipantID: participantID})
}

func NewError(code, message string) ServerMessage {
	return newServerMessage(EventError, ErrorPayload{Code: code, Message: message})
}

func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed server message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("server message missing type")
	}
	return &msg, nil
}
