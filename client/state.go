package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/formloom/formloom/internal/protocol"
)

// Local mirror of one room, driven purely by the server's events.
// It tracks the roster, the advisory lock table, typing indicators
// and the last confirmed value per field.
type State struct {
	mu         sync.Mutex
	users      []protocol.Participant
	locks      map[string]protocol.FieldLockedPayload
	typing     map[string]string
	values     map[string]protocol.FieldUpdatedPayload
	fields     []protocol.Field
	terminated bool
	reason     string
	lastErr    *protocol.ErrorPayload
}

func NewState() *State {
	return &State{
		locks:  make(map[string]protocol.FieldLockedPayload),
		typing: make(map[string]string),
		values: make(map[string]protocol.FieldUpdatedPayload),
	}
}

// Folds one server event into the mirror
func (s *State) Apply(msg protocol.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case protocol.EventActiveUsers, protocol.EventUserJoined:
		var p protocol.RoomSnapshotPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.users = p.Users

	case protocol.EventUserLeft:
		var p protocol.UserLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.users = p.Users

	case protocol.EventFieldUpdated:
		var p protocol.FieldUpdatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.values[p.FieldID] = p

	case protocol.EventFieldLocked:
		var p protocol.FieldLockedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.locks[p.FieldID] = p

	case protocol.EventFieldUnlocked:
		var p protocol.FieldUnlockedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		delete(s.locks, p.FieldID)

	case protocol.EventTypingChanged:
		var p protocol.TypingChangedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		if p.IsTyping {
			s.typing[p.FieldID] = p.DisplayName
		} else if s.typing[p.FieldID] == p.DisplayName {
			delete(s.typing, p.FieldID)
		}

	case protocol.EventStructureChanged:
		var p protocol.StructureChangedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.fields = p.Fields
		// Locks and typing indicators for removed fields are dead state.
		known := make(map[string]bool, len(p.Fields))
		for _, f := range p.Fields {
			known[f.ID] = true
		}
		for fieldID := range s.locks {
			if !known[fieldID] {
				delete(s.locks, fieldID)
			}
		}
		for fieldID := range s.typing {
			if !known[fieldID] {
				delete(s.typing, fieldID)
			}
		}

	case protocol.EventRoomTerminated:
		var p protocol.RoomTerminatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.terminated = true
		s.reason = p.Reason

	case protocol.EventUnlockAllFields:
		var p protocol.UnlockAllFieldsPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		for fieldID, l := range s.locks {
			if l.ParticipantID == p.ParticipantID {
				delete(s.locks, fieldID)
			}
		}

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.lastErr = &p

	default:
		return fmt.Errorf("unknown event type: %q", msg.Type)
	}
	return nil
}

func (s *State) Users() []protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Participant(nil), s.users...)
}

// Lock holder for a field, or nil when unlocked
func (s *State) LockHolder(fieldID string) *protocol.FieldLockedPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[fieldID]; ok {
		return &l
	}
	return nil
}

// Display name currently typing in a field, if any
func (s *State) TypingIn(fieldID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.typing[fieldID]
	return name, ok
}

// Last server-confirmed value for a field, if any
func (s *State) Value(fieldID string) (protocol.FieldUpdatedPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[fieldID]
	return v, ok
}

func (s *State) Fields() []protocol.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Field(nil), s.fields...)
}

// Reports whether the room was terminated, and why
func (s *State) Terminated() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated, s.reason
}

// Last error the server reported to this connection, if any
func (s *State) LastError() *protocol.ErrorPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	e := *s.lastErr
	return &e
}
